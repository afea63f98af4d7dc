package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/unclebandit/marketplace-automation/internal/model"
	"github.com/unclebandit/marketplace-automation/internal/repository"
	"github.com/unclebandit/marketplace-automation/internal/service"
)

// Mock Campaign Repository for pagination
type MockCampaignPaginationRepo struct {
	repository.CampaignRepositoryInterface
	lastTenant int64
	lastStatus string
}

func (m *MockCampaignPaginationRepo) ListCampaigns(_ context.Context, offset, limit int, tenantID int64, status string) ([]*model.EmailCampaign, int, error) {
	m.lastTenant, m.lastStatus = tenantID, status
	all := []*model.EmailCampaign{
		{ID: 5, Name: "C5"},
		{ID: 4, Name: "C4"},
		{ID: 3, Name: "C3"},
		{ID: 2, Name: "C2"},
		{ID: 1, Name: "C1"},
	}

	start := offset
	end := offset + limit

	if start >= len(all) {
		return []*model.EmailCampaign{}, len(all), nil
	}
	if end > len(all) {
		end = len(all)
	}

	return all[start:end], len(all), nil
}

func (m *MockCampaignPaginationRepo) Create(_ context.Context, c *model.EmailCampaign) error {
	c.ID = 999
	c.CreatedAt = time.Now()
	return nil
}

func TestPagination(t *testing.T) {
	repo := &MockCampaignPaginationRepo{}
	svc := &service.CampaignService{CampaignRepo: repo}
	ctx := context.Background()

	pageSize := 2

	page1, pagination1, _ := svc.ListCampaigns(ctx, 7, 1, pageSize, "ACTIVE")
	page2, _, _ := svc.ListCampaigns(ctx, 7, 2, pageSize, "ACTIVE")

	if repo.lastTenant != 7 || repo.lastStatus != "ACTIVE" {
		t.Errorf("filters not passed through: tenant=%d status=%q", repo.lastTenant, repo.lastStatus)
	}

	expectedTotal := 5
	if pagination1["total_count"] != expectedTotal {
		t.Errorf("expected total_count %d, got %d", expectedTotal, pagination1["total_count"])
	}
	if pagination1["total_pages"] != 3 {
		t.Errorf("expected 3 pages, got %d", pagination1["total_pages"])
	}

	if len(page1) != 2 || len(page2) != 2 {
		t.Fatalf("expected full pages, got %d and %d", len(page1), len(page2))
	}

	// Check descending order
	if page1[0].ID <= page1[1].ID {
		t.Errorf("expected descending order in page 1")
	}
	if page2[0].ID <= page2[1].ID {
		t.Errorf("expected descending order in page 2")
	}

	// Check no duplicates between pages
	if page1[1].ID == page2[0].ID {
		t.Errorf("duplicate entry between pages: %v", page1[1].ID)
	}

	page3, pagination3, _ := svc.ListCampaigns(ctx, 7, 3, pageSize, "")
	if len(page3) != 1 {
		t.Errorf("expected last page to have 1 item, got %d", len(page3))
	}

	if pagination3["total_count"] != expectedTotal {
		t.Errorf("expected total_count %d, got %d", expectedTotal, pagination3["total_count"])
	}
}

func TestPaginationClampsPageSize(t *testing.T) {
	svc := &service.CampaignService{CampaignRepo: &MockCampaignPaginationRepo{}}

	_, pagination, _ := svc.ListCampaigns(context.Background(), 1, 0, 500, "")
	if pagination["page"] != 1 {
		t.Errorf("expected page 1, got %d", pagination["page"])
	}
	if pagination["page_size"] != 100 {
		t.Errorf("expected page_size 100, got %d", pagination["page_size"])
	}
}
