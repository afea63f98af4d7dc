package model

type QuotaCode string

const (
	QuotaFreeEmail         QuotaCode = "FREE_EMAIL"
	QuotaAutoReviewRequest QuotaCode = "AUTO_REVIEW_REQUEST"
)

type QuotaBalance struct {
	TenantID  int64     `db:"tenant_id" json:"tenant_id"`
	Code      QuotaCode `db:"code" json:"code"`
	Remaining int       `db:"remaining" json:"remaining"`
}
