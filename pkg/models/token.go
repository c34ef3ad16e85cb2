package models

import "time"

// Tenancy plans. The plan selects the reducer noise policy and the
// rate-limit bucket; SitePlan rows override the claim default.
const (
	PlanFree     = "free"
	PlanStandard = "standard"
	PlanPro      = "pro"
)

// ValidPlan reports whether p is a known tenancy plan.
func ValidPlan(p string) bool {
	switch p {
	case PlanFree, PlanStandard, PlanPro:
		return true
	}
	return false
}

// TokenClaims is the signed half of an upload token. Field order is
// alphabetical by JSON key so struct marshaling matches the deterministic
// sorted-key serialization the signature covers.
type TokenClaims struct {
	AllowedOrigin string  `json:"allowed_origin"` // glob pattern, e.g. *.example.com
	EpsilonBudget float64 `json:"epsilon_budget"` // total ε the token may spend
	Exp           int64   `json:"exp"`            // unix seconds
	Iat           int64   `json:"iat"`            // unix seconds
	JTI           string  `json:"jti"`            // 128-bit random hex
	Plan          string  `json:"plan"`
	SamplingRate  float64 `json:"sampling_rate"`
	SiteID        string  `json:"site_id"`
}

// UploadToken is the persisted token row. The raw token string is never
// stored; only its argon2id hash is, plus the jti for O(1) lookup.
type UploadToken struct {
	ID            int64
	JTI           string
	SiteID        string
	Plan          string
	AllowedOrigin string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	SamplingRate  float64
	EpsilonBudget float64
	TokenHash     string
	RevokedAt     *time.Time // nil while the token is live
}

// Revoked reports whether the token has been revoked.
func (t *UploadToken) Revoked() bool {
	return t.RevokedAt != nil
}
