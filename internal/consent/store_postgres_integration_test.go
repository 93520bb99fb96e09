//go:build integration

package consent_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"consentry/internal/consent"
	txcontext "consentry/pkg/platform/tx"
	"consentry/pkg/testutil/containers"
)

const schema = `
CREATE TABLE consent_statements (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	slug               TEXT NOT NULL,
	category           TEXT NOT NULL DEFAULT '',
	legal_basis        TEXT NOT NULL DEFAULT '',
	processing_purpose TEXT NOT NULL DEFAULT '',
	display_order      INT NOT NULL DEFAULT 0,
	active             BOOLEAN NOT NULL DEFAULT TRUE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (tenant_id, slug)
);

CREATE TABLE consent_statement_versions (
	id           TEXT PRIMARY KEY,
	statement_id TEXT NOT NULL REFERENCES consent_statements(id),
	version      CHAR(8) NOT NULL,
	content_type TEXT NOT NULL,
	effective_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	content_hash TEXT,
	is_current   BOOLEAN NOT NULL DEFAULT FALSE,
	status       TEXT NOT NULL,
	UNIQUE (statement_id, version)
);

CREATE UNIQUE INDEX one_current_version
	ON consent_statement_versions (statement_id) WHERE is_current;

CREATE TABLE consent_statement_localizations (
	id             TEXT PRIMARY KEY,
	version_id     TEXT NOT NULL REFERENCES consent_statement_versions(id),
	language       TEXT NOT NULL,
	title          TEXT NOT NULL DEFAULT '',
	description    TEXT,
	document_url   TEXT,
	inline_content TEXT,
	UNIQUE (version_id, language)
);

CREATE TABLE tenant_consent_requirements (
	tenant_id          TEXT NOT NULL,
	statement_id       TEXT NOT NULL REFERENCES consent_statements(id),
	is_required        BOOLEAN NOT NULL DEFAULT FALSE,
	min_version        CHAR(8),
	enforcement        TEXT NOT NULL DEFAULT 'block',
	show_deletion_link BOOLEAN NOT NULL DEFAULT FALSE,
	deletion_url       TEXT,
	conditional_rules  JSONB NOT NULL DEFAULT '[]',
	display_order      INT,
	PRIMARY KEY (tenant_id, statement_id)
);

CREATE TABLE client_consent_overrides (
	tenant_id         TEXT NOT NULL,
	client_id         TEXT NOT NULL,
	statement_id      TEXT NOT NULL REFERENCES consent_statements(id),
	requirement       TEXT NOT NULL DEFAULT 'inherit',
	min_version       CHAR(8),
	enforcement       TEXT,
	conditional_rules JSONB NOT NULL DEFAULT '[]',
	display_order     INT,
	PRIMARY KEY (tenant_id, client_id, statement_id)
);

CREATE TABLE user_consent_records (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	statement_id TEXT NOT NULL REFERENCES consent_statements(id),
	status       TEXT NOT NULL,
	version      CHAR(8),
	granted_at   TIMESTAMPTZ,
	withdrawn_at TIMESTAMPTZ,
	expires_at   TIMESTAMPTZ,
	client_id    TEXT,
	ip_hash      TEXT,
	user_agent   TEXT,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (tenant_id, user_id, statement_id)
);

CREATE TABLE consent_item_history (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	statement_id   TEXT NOT NULL REFERENCES consent_statements(id),
	action         TEXT NOT NULL,
	status_before  TEXT,
	status_after   TEXT NOT NULL,
	version_before CHAR(8),
	version_after  CHAR(8),
	client_id      TEXT,
	ip_hash        TEXT,
	user_agent     TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *consent.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.Require().NoError(s.postgres.Apply(context.Background(), schema))
	s.store = consent.NewPostgresStore(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(),
		"consent_item_history",
		"user_consent_records",
		"client_consent_overrides",
		"tenant_consent_requirements",
		"consent_statement_localizations",
		"consent_statement_versions",
		"consent_statements",
	)
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) seedStatement(tenantID, slug string, order int) string {
	id := uuid.NewString()
	_, err := s.postgres.DB.Exec(`
		INSERT INTO consent_statements (id, tenant_id, slug, display_order)
		VALUES ($1, $2, $3, $4)`, id, tenantID, slug, order)
	s.Require().NoError(err)
	return id
}

func (s *PostgresStoreSuite) seedVersion(statementID, version string, current bool) string {
	id := uuid.NewString()
	status := consent.VersionStatusDraft
	if current {
		status = consent.VersionStatusActive
	}
	_, err := s.postgres.DB.Exec(`
		INSERT INTO consent_statement_versions
			(id, statement_id, version, content_type, is_current, status)
		VALUES ($1, $2, $3, 'inline', $4, $5)`,
		id, statementID, version, current, status)
	s.Require().NoError(err)
	return id
}

func (s *PostgresStoreSuite) TestCatalogOrdering() {
	ctx := context.Background()
	s.seedStatement("tenant-a", "privacy", 2)
	s.seedStatement("tenant-a", "tos", 1)
	s.seedStatement("tenant-b", "tos", 1)

	statements, err := s.store.ListActiveStatements(ctx, "tenant-a")
	s.Require().NoError(err)
	s.Require().Len(statements, 2)
	s.Equal("tos", statements[0].Slug)
	s.Equal("privacy", statements[1].Slug)
}

func (s *PostgresStoreSuite) TestVersionLookupIsTenantScoped() {
	ctx := context.Background()
	stmtID := s.seedStatement("tenant-a", "tos", 1)
	verID := s.seedVersion(stmtID, "20250206", true)

	current, err := s.store.CurrentVersion(ctx, "tenant-a", stmtID)
	s.Require().NoError(err)
	s.Require().NotNil(current)
	s.Equal(verID, current.ID)
	s.Equal("20250206", current.Version)

	// The wrong tenant sees nothing for the same statement id.
	current, err = s.store.CurrentVersion(ctx, "tenant-b", stmtID)
	s.Require().NoError(err)
	s.Nil(current)

	version, err := s.store.Version(ctx, "tenant-b", stmtID, verID)
	s.Require().NoError(err)
	s.Nil(version)
}

func (s *PostgresStoreSuite) TestTenantRequirementRoundTrip() {
	ctx := context.Background()
	stmtID := s.seedStatement("tenant-a", "tos", 1)

	_, err := s.postgres.DB.Exec(`
		INSERT INTO tenant_consent_requirements
			(tenant_id, statement_id, is_required, min_version, enforcement,
			 conditional_rules, display_order)
		VALUES ('tenant-a', $1, TRUE, '20250101', 'allow_continue',
			'[{"claim":"country","operator":"eq","value":"DE","result":"required"}]', 5)`,
		stmtID)
	s.Require().NoError(err)

	req, err := s.store.TenantRequirement(ctx, "tenant-a", stmtID)
	s.Require().NoError(err)
	s.Require().NotNil(req)
	s.True(req.IsRequired)
	s.Equal("20250101", req.MinVersion)
	s.Equal(consent.EnforcementAllowContinue, req.Enforcement)
	s.Require().NotNil(req.DisplayOrder)
	s.Equal(5, *req.DisplayOrder)

	s.Require().Len(req.Rules, 1)
	s.Equal("country", req.Rules[0].Claim)
	s.Equal(consent.OpEq, req.Rules[0].Operator)
	s.Equal(consent.OutcomeRequired, req.Rules[0].Result)
	s.JSONEq(`"DE"`, string(req.Rules[0].Value))

	missing, err := s.store.TenantRequirement(ctx, "tenant-a", uuid.NewString())
	s.Require().NoError(err)
	s.Nil(missing)
}

func (s *PostgresStoreSuite) TestClientOverrideRoundTrip() {
	ctx := context.Background()
	stmtID := s.seedStatement("tenant-a", "tos", 1)

	_, err := s.postgres.DB.Exec(`
		INSERT INTO client_consent_overrides
			(tenant_id, client_id, statement_id, requirement, min_version)
		VALUES ('tenant-a', 'client-a', $1, 'optional', '20250201')`, stmtID)
	s.Require().NoError(err)

	ov, err := s.store.ClientOverride(ctx, "tenant-a", "client-a", stmtID)
	s.Require().NoError(err)
	s.Require().NotNil(ov)
	s.Equal(consent.OverrideOptional, ov.Requirement)
	s.Require().NotNil(ov.MinVersion)
	s.Equal("20250201", *ov.MinVersion)
	s.Nil(ov.Enforcement)
	s.Nil(ov.DisplayOrder)
	s.Empty(ov.Rules)
}

func (s *PostgresStoreSuite) TestRecordUpsert() {
	ctx := context.Background()
	stmtID := s.seedStatement("tenant-a", "tos", 1)
	now := time.Now().UTC().Truncate(time.Second)

	record := &consent.UserConsentRecord{
		TenantID:    "tenant-a",
		UserID:      "user-a",
		StatementID: stmtID,
		Status:      consent.RecordGranted,
		Version:     "20250206",
		GrantedAt:   &now,
		ClientID:    "client-a",
		IPHash:      "cafe01",
		UserAgent:   "agent",
	}
	s.Require().NoError(s.store.SaveRecord(ctx, record))

	loaded, err := s.store.Record(ctx, "tenant-a", "user-a", stmtID)
	s.Require().NoError(err)
	s.Require().NotNil(loaded)
	s.Equal(consent.RecordGranted, loaded.Status)
	s.Equal("20250206", loaded.Version)
	s.Require().NotNil(loaded.GrantedAt)
	s.True(loaded.GrantedAt.Equal(now))
	s.Nil(loaded.WithdrawnAt)

	// Saving the same (tenant, user, statement) again updates in place.
	record.Status = consent.RecordWithdrawn
	record.WithdrawnAt = &now
	s.Require().NoError(s.store.SaveRecord(ctx, record))

	loaded, err = s.store.Record(ctx, "tenant-a", "user-a", stmtID)
	s.Require().NoError(err)
	s.Equal(consent.RecordWithdrawn, loaded.Status)
	s.Require().NotNil(loaded.WithdrawnAt)

	records, err := s.store.ListRecords(ctx, "tenant-a", "user-a")
	s.Require().NoError(err)
	s.Len(records, 1)
}

func (s *PostgresStoreSuite) TestHistoryAppendOnly() {
	ctx := context.Background()
	stmtID := s.seedStatement("tenant-a", "tos", 1)

	entries := []*consent.HistoryRecord{
		{TenantID: "tenant-a", UserID: "user-a", StatementID: stmtID,
			Action: consent.HistoryGranted, StatusAfter: consent.RecordGranted,
			VersionAfter: "20250206"},
		{TenantID: "tenant-a", UserID: "user-a", StatementID: stmtID,
			Action: consent.HistoryWithdrawn, StatusBefore: consent.RecordGranted,
			StatusAfter: consent.RecordWithdrawn,
			VersionBefore: "20250206", VersionAfter: "20250206"},
	}
	for _, entry := range entries {
		s.Require().NoError(s.store.AppendHistory(ctx, entry))
	}

	history, err := s.store.ListHistory(ctx, "tenant-a", "user-a", stmtID)
	s.Require().NoError(err)
	s.Require().Len(history, 2)
	s.Equal(consent.HistoryGranted, history[0].Action)
	s.Empty(history[0].StatusBefore)
	s.Equal(consent.HistoryWithdrawn, history[1].Action)
	s.Equal(consent.RecordGranted, history[1].StatusBefore)
}

func (s *PostgresStoreSuite) TestDemotePromoteInTransaction() {
	ctx := context.Background()
	stmtID := s.seedStatement("tenant-a", "tos", 1)
	oldID := s.seedVersion(stmtID, "20250206", true)
	draftID := s.seedVersion(stmtID, "20250301", false)

	tx, err := s.postgres.DB.BeginTx(ctx, nil)
	s.Require().NoError(err)
	txCtx := txcontext.WithTx(ctx, tx)

	s.Require().NoError(s.store.DemoteCurrentVersion(txCtx, "tenant-a", stmtID))
	s.Require().NoError(s.store.PromoteVersion(txCtx, "tenant-a", stmtID, draftID, "deadbeef"))
	s.Require().NoError(tx.Commit())

	current, err := s.store.CurrentVersion(ctx, "tenant-a", stmtID)
	s.Require().NoError(err)
	s.Require().NotNil(current)
	s.Equal(draftID, current.ID)
	s.Equal(consent.VersionStatusActive, current.Status)
	s.Equal("deadbeef", current.ContentHash)

	old, err := s.store.Version(ctx, "tenant-a", stmtID, oldID)
	s.Require().NoError(err)
	s.False(old.IsCurrent)
	s.Equal(consent.VersionStatusArchived, old.Status)
}

func (s *PostgresStoreSuite) TestDemoteIsTenantScoped() {
	ctx := context.Background()
	stmtID := s.seedStatement("tenant-a", "tos", 1)
	verID := s.seedVersion(stmtID, "20250206", true)

	s.Require().NoError(s.store.DemoteCurrentVersion(ctx, "tenant-b", stmtID))

	current, err := s.store.CurrentVersion(ctx, "tenant-a", stmtID)
	s.Require().NoError(err)
	s.Require().NotNil(current)
	s.Equal(verID, current.ID)
}

func (s *PostgresStoreSuite) TestConcurrentRecordUpserts() {
	ctx := context.Background()
	stmtID := s.seedStatement("tenant-a", "tos", 1)

	const goroutines = 20
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now()
			_ = s.store.SaveRecord(ctx, &consent.UserConsentRecord{
				TenantID:    "tenant-a",
				UserID:      "user-a",
				StatementID: stmtID,
				Status:      consent.RecordGranted,
				Version:     "20250206",
				GrantedAt:   &now,
			})
		}()
	}
	wg.Wait()

	// The unique constraint collapses all writes into one row.
	records, err := s.store.ListRecords(ctx, "tenant-a", "user-a")
	s.Require().NoError(err)
	s.Len(records, 1)
}
