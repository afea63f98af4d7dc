package repository

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/lib/pq"
	"github.com/zeebo/blake3"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/model"
)

type TemplateRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.EmailTemplate, error)
	Snapshot(ctx context.Context, t *model.EmailTemplate) (*model.TemplateSnapshot, error)
	GetSnapshot(ctx context.Context, id int64) (*model.TemplateSnapshot, error)
}

type TemplateRepository struct {
	DB *sql.DB
}

// TemplateChecksum identifies a template's content. Two snapshots of an
// unchanged template share one row.
func TemplateChecksum(t *model.EmailTemplate) string {
	h := blake3.New()
	for _, part := range []string{t.Subject, t.Body, t.Language} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	for _, a := range t.Attachments {
		h.Write([]byte(a))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (r *TemplateRepository) GetByID(ctx context.Context, id int64) (*model.EmailTemplate, error) {
	var t model.EmailTemplate
	err := r.DB.QueryRowContext(ctx, `
        SELECT id, tenant_id, subject, body, language, attachments, updated_at
        FROM email_templates WHERE id = $1`, id).Scan(
		&t.ID, &t.TenantID, &t.Subject, &t.Body, &t.Language, pq.Array(&t.Attachments), &t.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("template", id)
		}
		return nil, fmt.Errorf("get template %d: %w", id, err)
	}
	return &t, nil
}

// Snapshot freezes the template's current content, reusing an existing
// snapshot with the same checksum.
func (r *TemplateRepository) Snapshot(ctx context.Context, t *model.EmailTemplate) (*model.TemplateSnapshot, error) {
	snap := &model.TemplateSnapshot{
		TemplateID:  t.ID,
		Checksum:    TemplateChecksum(t),
		Subject:     t.Subject,
		Body:        t.Body,
		Language:    t.Language,
		Attachments: t.Attachments,
	}
	attachments := t.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	err := r.DB.QueryRowContext(ctx, `
        INSERT INTO email_template_snapshots (template_id, checksum, subject, body, language, attachments)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (template_id, checksum) DO UPDATE SET checksum = EXCLUDED.checksum
        RETURNING id`,
		snap.TemplateID, snap.Checksum, snap.Subject, snap.Body, snap.Language, pq.Array(attachments),
	).Scan(&snap.ID)
	if err != nil {
		return nil, fmt.Errorf("snapshot template %d: %w", t.ID, err)
	}
	return snap, nil
}

func (r *TemplateRepository) GetSnapshot(ctx context.Context, id int64) (*model.TemplateSnapshot, error) {
	var s model.TemplateSnapshot
	err := r.DB.QueryRowContext(ctx, `
        SELECT id, template_id, checksum, subject, body, language, attachments
        FROM email_template_snapshots WHERE id = $1`, id).Scan(
		&s.ID, &s.TemplateID, &s.Checksum, &s.Subject, &s.Body, &s.Language, pq.Array(&s.Attachments),
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("template snapshot", id)
		}
		return nil, fmt.Errorf("get template snapshot %d: %w", id, err)
	}
	return &s, nil
}

var _ TemplateRepositoryInterface = (*TemplateRepository)(nil)
