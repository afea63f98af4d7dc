package model

import "time"

type EmailTemplate struct {
	ID          int64     `db:"id" json:"id"`
	TenantID    int64     `db:"tenant_id" json:"tenant_id"`
	Subject     string    `db:"subject" json:"subject"`
	Body        string    `db:"body" json:"body"`
	Language    string    `db:"language" json:"language"`
	Attachments []string  `db:"attachments" json:"attachments"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// TemplateSnapshot freezes a template at enqueue time.
type TemplateSnapshot struct {
	ID          int64    `db:"id" json:"id"`
	TemplateID  int64    `db:"template_id" json:"template_id"`
	Checksum    string   `db:"checksum" json:"checksum"`
	Subject     string   `db:"subject" json:"subject"`
	Body        string   `db:"body" json:"body"`
	Language    string   `db:"language" json:"language"`
	Attachments []string `db:"attachments" json:"attachments"`
}
