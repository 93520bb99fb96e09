package audit

import "time"

// Action labels consent-engine audit events.
type Action string

const (
	ActionConsentGranted   Action = "consent_granted"
	ActionConsentDenied    Action = "consent_denied"
	ActionConsentWithdrawn Action = "consent_withdrawn"
	ActionVersionUpgraded  Action = "consent_version_upgraded"
	ActionVersionActivated Action = "consent_version_activated"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID          string
	Timestamp   time.Time
	TenantID    string
	UserID      string
	StatementID string
	Action      Action
	ClientID    string
	Version     string
	// IPHash is the salted digest stored as evidence; raw addresses never
	// enter the audit pipeline.
	IPHash    string
	UserAgent string
}
