package consent

import (
	"encoding/json"
	"time"
)

// ContentType says where a version's legal text lives.
type ContentType string

const (
	ContentTypeURL    ContentType = "url"
	ContentTypeInline ContentType = "inline"
)

// VersionStatus tracks a version through its lifecycle.
type VersionStatus string

const (
	VersionStatusDraft    VersionStatus = "draft"
	VersionStatusActive   VersionStatus = "active"
	VersionStatusArchived VersionStatus = "archived"
)

// Enforcement says what happens when a required item is unsatisfied.
type Enforcement string

const (
	EnforcementBlock         Enforcement = "block"
	EnforcementAllowContinue Enforcement = "allow_continue"
)

// OverrideRequirement is the per-client stance on one statement.
type OverrideRequirement string

const (
	OverrideRequired OverrideRequirement = "required"
	OverrideOptional OverrideRequirement = "optional"
	OverrideHidden   OverrideRequirement = "hidden"
	OverrideInherit  OverrideRequirement = "inherit"
)

// RecordStatus is the durable state of a user's decision for one statement.
type RecordStatus string

const (
	RecordGranted   RecordStatus = "granted"
	RecordDenied    RecordStatus = "denied"
	RecordWithdrawn RecordStatus = "withdrawn"
	RecordExpired   RecordStatus = "expired"
)

// Decision is an inbound user choice for one statement.
type Decision string

const (
	DecisionGranted Decision = "granted"
	DecisionDenied  Decision = "denied"
)

// HistoryAction labels one audited state transition.
type HistoryAction string

const (
	HistoryGranted         HistoryAction = "granted"
	HistoryDenied          HistoryAction = "denied"
	HistoryWithdrawn       HistoryAction = "withdrawn"
	HistoryVersionUpgraded HistoryAction = "version_upgraded"
)

// Statement is a persistent definition of one consentable item, e.g. the
// terms of service. Admin-managed and rarely mutated.
type Statement struct {
	ID                string
	TenantID          string
	Slug              string
	Category          string
	LegalBasis        string
	ProcessingPurpose string
	DisplayOrder      int
	Active            bool
	CreatedAt         time.Time
}

// StatementVersion is a dated, content-hashed snapshot of a statement's text.
// At most one version per statement has IsCurrent=true.
type StatementVersion struct {
	ID          string
	StatementID string
	Version     string // YYYYMMDD, compared lexicographically
	ContentType ContentType
	EffectiveAt time.Time
	ContentHash string
	IsCurrent   bool
	Status      VersionStatus
}

// Localization holds language-specific content for one version.
type Localization struct {
	ID            string
	VersionID     string
	Language      string
	Title         string
	Description   string
	DocumentURL   string
	InlineContent string
}

// RuleOperator enumerates the conditional-rule comparison operators.
type RuleOperator string

const (
	OpEq     RuleOperator = "eq"
	OpNeq    RuleOperator = "neq"
	OpIn     RuleOperator = "in"
	OpNotIn  RuleOperator = "not_in"
	OpGt     RuleOperator = "gt"
	OpGte    RuleOperator = "gte"
	OpLt     RuleOperator = "lt"
	OpLte    RuleOperator = "lte"
	OpExists RuleOperator = "exists"
)

// RuleOutcome is what a matching conditional rule forces.
type RuleOutcome string

const (
	OutcomeRequired RuleOutcome = "required"
	OutcomeOptional RuleOutcome = "optional"
	OutcomeHidden   RuleOutcome = "hidden"
	// OutcomeAbsent means no rule matched; the caller keeps its base values.
	OutcomeAbsent RuleOutcome = "absent"
)

// Rule is one claim-based predicate mapped to an outcome. Rule lists are
// stored serialized and evaluated in list order.
type Rule struct {
	Claim    string          `json:"claim"`
	Operator RuleOperator    `json:"operator"`
	Value    json.RawMessage `json:"value,omitempty"`
	Result   RuleOutcome     `json:"result"`
}

// TenantRequirement is the tenant-wide default for one statement.
type TenantRequirement struct {
	TenantID         string
	StatementID      string
	IsRequired       bool
	MinVersion       string
	Enforcement      Enforcement
	ShowDeletionLink bool
	DeletionURL      string
	Rules            []Rule
	DisplayOrder     *int
}

// ClientOverride narrows or widens a tenant requirement for one OAuth client.
type ClientOverride struct {
	TenantID     string
	ClientID     string
	StatementID  string
	Requirement  OverrideRequirement
	MinVersion   *string
	Enforcement  *Enforcement
	Rules        []Rule
	DisplayOrder *int
}

// UserConsentRecord is the durable, mutable record of a user's latest decision
// for one statement. One row per (tenant, user, statement); mutated in place.
type UserConsentRecord struct {
	ID          string
	TenantID    string
	UserID      string
	StatementID string
	Status      RecordStatus
	Version     string
	GrantedAt   *time.Time
	WithdrawnAt *time.Time
	ExpiresAt   *time.Time
	ClientID    string
	IPHash      string
	UserAgent   string
	UpdatedAt   time.Time
}

// HistoryRecord is one append-only audit row per state transition. Rows are
// never mutated or deleted.
type HistoryRecord struct {
	ID            string
	TenantID      string
	UserID        string
	StatementID   string
	Action        HistoryAction
	StatusBefore  RecordStatus
	StatusAfter   RecordStatus
	VersionBefore string
	VersionAfter  string
	ClientID      string
	IPHash        string
	UserAgent     string
	CreatedAt     time.Time
}

// Evidence accompanies a decision batch and is stored on records and history.
type Evidence struct {
	ClientID  string
	IPHash    string
	UserAgent string
}

// ResolvedRequirement is the per-request merge of tenant defaults, client
// overrides and conditional rules for one statement. Derived, never persisted.
type ResolvedRequirement struct {
	StatementID      string
	Slug             string
	IsRequired       bool
	MinVersion       string
	Enforcement      Enforcement
	ShowDeletionLink bool
	DeletionURL      string
	DisplayOrder     int
	CurrentVersion   StatementVersion
}

// ScreenItem is one user-facing entry on the consent screen.
type ScreenItem struct {
	StatementID         string
	Slug                string
	Title               string
	Description         string
	DocumentURL         string
	InlineContent       string
	Language            string
	IsRequired          bool
	Enforcement         Enforcement
	ShowDeletionLink    bool
	DeletionURL         string
	CurrentVersion      string
	UserStatus          RecordStatus
	UserVersion         string
	NeedsVersionUpgrade bool
}

// Satisfaction is the outcome of checking records against requirements.
type Satisfaction struct {
	Satisfied   bool
	Unsatisfied []string // statement IDs, resolved-requirement order
}
