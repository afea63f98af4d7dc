package memstore

import (
	"context"
	"sort"
	"time"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/repository"
)

type campaignRepo struct{ s *Store }

func (r campaignRepo) Create(_ context.Context, c *model.EmailCampaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c.ID = r.s.nextID()
	c.CreatedAt = r.s.now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.ScheduleMode == "" {
		c.ScheduleMode = model.ScheduleImmediate
	}
	cp := *c
	r.s.campaigns[c.ID] = &cp
	return nil
}

func (r campaignRepo) GetByID(_ context.Context, id int64) (*model.EmailCampaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r campaignRepo) ListCampaigns(_ context.Context, offset, limit int, tenantID int64, status string) ([]*model.EmailCampaign, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*model.EmailCampaign
	for _, c := range r.s.campaigns {
		if tenantID != 0 && c.TenantID != tenantID {
			continue
		}
		if status != "" && string(c.Status) != status {
			continue
		}
		cp := *c
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := len(all)
	if offset >= total {
		return []*model.EmailCampaign{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r campaignRepo) UpdateStatus(_ context.Context, id int64, status model.CampaignStatus, activationAt *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.Status = status
	if activationAt != nil {
		at := *activationAt
		c.ActivationAt = &at
	}
	now := r.s.now()
	c.UpdatedAt = &now
	return nil
}

func (r campaignRepo) Delete(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.campaigns[id]; !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	delete(r.s.campaigns, id)
	for qid, q := range r.s.queue {
		if q.CampaignID == id {
			delete(r.s.queue, qid)
		}
	}
	return nil
}

func (r campaignRepo) ListMatching(_ context.Context, tenantID, marketplaceID int64, trigger model.OrderStatus) ([]*model.EmailCampaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.EmailCampaign
	for _, c := range r.s.campaigns {
		if c.TenantID == tenantID && c.MarketplaceID == marketplaceID && c.TriggerOrderStatus == trigger &&
			c.Status == model.CampaignActive && c.ActivationAt != nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r campaignRepo) GetCampaignStats(_ context.Context, id int64) (map[string]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := map[string]int{
		string(model.QueueQueued):    0,
		string(model.QueueScheduled): 0,
		string(model.QueueSent):      0,
		string(model.QueueOptOut):    0,
		string(model.QueueFailed):    0,
	}
	for _, q := range r.s.queue {
		if q.CampaignID == id {
			stats[string(q.Status)]++
		}
	}
	return stats, nil
}

func (r campaignRepo) HasTerminalRows(_ context.Context, id int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, q := range r.s.queue {
		if q.CampaignID == id && q.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// ====================== Templates ======================

type templateRepo struct{ s *Store }

func (r templateRepo) GetByID(_ context.Context, id int64) (*model.EmailTemplate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.templates[id]
	if !ok {
		return nil, appErrors.NewNotFound("template", id)
	}
	cp := *t
	return &cp, nil
}

func (r templateRepo) Snapshot(_ context.Context, t *model.EmailTemplate) (*model.TemplateSnapshot, error) {
	sum := repository.TemplateChecksum(t)
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, snap := range r.s.snapshots {
		if snap.TemplateID == t.ID && snap.Checksum == sum {
			cp := *snap
			return &cp, nil
		}
	}
	snap := &model.TemplateSnapshot{
		ID:          r.s.nextID(),
		TemplateID:  t.ID,
		Checksum:    sum,
		Subject:     t.Subject,
		Body:        t.Body,
		Language:    t.Language,
		Attachments: append([]string(nil), t.Attachments...),
	}
	r.s.snapshots[snap.ID] = snap
	cp := *snap
	return &cp, nil
}

func (r templateRepo) GetSnapshot(_ context.Context, id int64) (*model.TemplateSnapshot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	snap, ok := r.s.snapshots[id]
	if !ok {
		return nil, appErrors.NewNotFound("template snapshot", id)
	}
	cp := *snap
	return &cp, nil
}
