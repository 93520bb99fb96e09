package consent

import (
	"context"
)

// Store is the relational collaborator behind the engine. Every method is
// tenant-scoped; implementations must never answer across tenants.
type Store interface {
	// Catalog reads.

	// ListActiveStatements returns the tenant's active statements ordered by
	// (display_order, created_at).
	ListActiveStatements(ctx context.Context, tenantID string) ([]*Statement, error)
	// CurrentVersion returns the statement's current version, or nil when the
	// statement has never been published.
	CurrentVersion(ctx context.Context, tenantID, statementID string) (*StatementVersion, error)
	// Version returns one version by id, or nil when it does not exist under
	// that statement.
	Version(ctx context.Context, tenantID, statementID, versionID string) (*StatementVersion, error)
	// Localizations returns the version's localization rows in storage order.
	Localizations(ctx context.Context, versionID string) ([]Localization, error)
	// TenantRequirement returns the tenant's requirement row for the
	// statement, or nil when none exists.
	TenantRequirement(ctx context.Context, tenantID, statementID string) (*TenantRequirement, error)
	// ClientOverride returns the client's override row for the statement, or
	// nil when none exists.
	ClientOverride(ctx context.Context, tenantID, clientID, statementID string) (*ClientOverride, error)

	// User records.

	// Record returns the user's consent record for the statement, or nil.
	Record(ctx context.Context, tenantID, userID, statementID string) (*UserConsentRecord, error)
	// ListRecords returns all of the user's consent records.
	ListRecords(ctx context.Context, tenantID, userID string) ([]*UserConsentRecord, error)
	// SaveRecord inserts or updates a record keyed by (tenant, user, statement).
	SaveRecord(ctx context.Context, record *UserConsentRecord) error

	// Audit trail.

	// AppendHistory writes one append-only transition row.
	AppendHistory(ctx context.Context, entry *HistoryRecord) error
	// ListHistory returns the user's transition rows for one statement,
	// oldest first.
	ListHistory(ctx context.Context, tenantID, userID, statementID string) ([]*HistoryRecord, error)

	// Version lifecycle.

	// DemoteCurrentVersion archives whatever version is current for the
	// statement, if any.
	DemoteCurrentVersion(ctx context.Context, tenantID, statementID string) error
	// PromoteVersion marks the version current and active and stores its
	// content hash.
	PromoteVersion(ctx context.Context, tenantID, statementID, versionID, contentHash string) error
}
