// Package memstore keeps every repository in process memory behind one
// mutex. It backs the service tests and the worker's --dry-run mode.
package memstore

import (
	"sort"
	"sync"
	"time"

	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/repository"
)

type productKey struct {
	accountID int64
	sku       string
}

type orderKey struct {
	accountID int64
	orderID   string
}

type quotaKey struct {
	tenantID int64
	code     model.QuotaCode
}

type Store struct {
	mu  sync.Mutex
	now func() time.Time

	tenants      map[int64]model.Tenant
	marketplaces map[int64]model.Marketplace
	accounts     map[int64]*model.MarketplaceAccount

	products      map[productKey]*model.Product
	orders        map[int64]*model.Order
	orderIndex    map[orderKey]int64
	itemsReportAt map[int64]time.Time
	events        []*model.OrderEvent

	campaigns map[int64]*model.EmailCampaign
	templates map[int64]*model.EmailTemplate
	snapshots map[int64]*model.TemplateSnapshot
	queue     map[int64]*model.EmailQueueRow
	quotas    map[quotaKey]int

	seq int64
}

func New() *Store {
	return &Store{
		now:           time.Now,
		tenants:       map[int64]model.Tenant{},
		marketplaces:  map[int64]model.Marketplace{},
		accounts:      map[int64]*model.MarketplaceAccount{},
		products:      map[productKey]*model.Product{},
		orders:        map[int64]*model.Order{},
		orderIndex:    map[orderKey]int64{},
		itemsReportAt: map[int64]time.Time{},
		campaigns:     map[int64]*model.EmailCampaign{},
		templates:     map[int64]*model.EmailTemplate{},
		snapshots:     map[int64]*model.TemplateSnapshot{},
		queue:         map[int64]*model.EmailQueueRow{},
		quotas:        map[quotaKey]int{},
	}
}

// SetClock replaces the clock used for created_at/updated_at stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// ====================== Views ======================

func (s *Store) Accounts() repository.AccountRepositoryInterface { return accountRepo{s} }
func (s *Store) Orders() repository.OrderRepositoryInterface { return orderRepo{s} }
func (s *Store) Events() repository.EventRepositoryInterface { return eventRepo{s} }
func (s *Store) Campaigns() repository.CampaignRepositoryInterface { return campaignRepo{s} }
func (s *Store) Templates() repository.TemplateRepositoryInterface { return templateRepo{s} }
func (s *Store) EmailQueue() repository.EmailQueueRepositoryInterface { return queueRepo{s} }
func (s *Store) Quotas() repository.QuotaRepositoryInterface { return quotaRepo{s} }

// ====================== Seeding ======================

func (s *Store) AddTenant(t model.Tenant) model.Tenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		t.ID = s.nextID()
	}
	s.tenants[t.ID] = t
	return t
}

func (s *Store) AddMarketplace(m model.Marketplace) model.Marketplace {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		m.ID = s.nextID()
	}
	s.marketplaces[m.ID] = m
	return m
}

func (s *Store) AddAccount(a model.MarketplaceAccount) model.MarketplaceAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.nextID()
	}
	cp := a
	s.accounts[a.ID] = &cp
	return a
}

func (s *Store) AddTemplate(t model.EmailTemplate) model.EmailTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		t.ID = s.nextID()
	}
	t.UpdatedAt = s.now()
	cp := t
	s.templates[t.ID] = &cp
	return t
}

// UpdateTemplate overwrites a template the way the admin surface would.
func (s *Store) UpdateTemplate(t model.EmailTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.UpdatedAt = s.now()
	cp := t
	s.templates[t.ID] = &cp
}

func (s *Store) SetQuota(tenantID int64, code model.QuotaCode, remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[quotaKey{tenantID, code}] = remaining
}

// SetOrderTags sets the exclusion tags that arrive outside the order reports.
func (s *Store) SetOrderTags(id int64, rating *int, hasReturn, hasRefund bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		o.FeedbackRating = rating
		o.HasReturn = hasReturn
		o.HasRefund = hasRefund
	}
}

// SetOptOut marks an order as opted out, as a dispatch that found no
// messaging action would.
func (s *Store) SetOptOut(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		o.OptOut = true
	}
}

// ====================== Inspection ======================

// QueueRows returns every queue row ordered by id.
func (s *Store) QueueRows() []model.EmailQueueRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EmailQueueRow, 0, len(s.queue))
	for _, q := range s.queue {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllEvents returns every event, consumed or not.
func (s *Store) AllEvents() []model.OrderEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OrderEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, *e)
	}
	return out
}

func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *Store) Product(accountID int64, sku string) (model.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productKey{accountID, sku}]
	if !ok {
		return model.Product{}, false
	}
	return *p, true
}
