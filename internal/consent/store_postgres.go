package consent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	txcontext "consentry/pkg/platform/tx"
)

// PostgresStore persists the consent catalog, user records and the audit
// trail in PostgreSQL. Mutations pick up a transaction from context when one
// is present, so version activation can run demote+promote atomically.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) runner(ctx context.Context) dbRunner {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) ListActiveStatements(ctx context.Context, tenantID string) ([]*Statement, error) {
	rows, err := s.runner(ctx).QueryContext(ctx, `
		SELECT id, tenant_id, slug, category, legal_basis, processing_purpose,
		       display_order, active, created_at
		FROM consent_statements
		WHERE tenant_id = $1 AND active = TRUE
		ORDER BY display_order, created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list statements: %w", err)
	}
	defer rows.Close()

	var out []*Statement
	for rows.Next() {
		var st Statement
		if err := rows.Scan(&st.ID, &st.TenantID, &st.Slug, &st.Category,
			&st.LegalBasis, &st.ProcessingPurpose, &st.DisplayOrder,
			&st.Active, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan statement: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

const versionColumns = `v.id, v.statement_id, v.version, v.content_type,
	v.effective_at, COALESCE(v.content_hash, ''), v.is_current, v.status`

func scanVersion(row interface{ Scan(...any) error }) (*StatementVersion, error) {
	var v StatementVersion
	err := row.Scan(&v.ID, &v.StatementID, &v.Version, &v.ContentType,
		&v.EffectiveAt, &v.ContentHash, &v.IsCurrent, &v.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}
	return &v, nil
}

func (s *PostgresStore) CurrentVersion(ctx context.Context, tenantID, statementID string) (*StatementVersion, error) {
	row := s.runner(ctx).QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM consent_statement_versions v
		JOIN consent_statements st ON st.id = v.statement_id
		WHERE st.tenant_id = $1 AND v.statement_id = $2 AND v.is_current = TRUE`,
		tenantID, statementID)
	return scanVersion(row)
}

func (s *PostgresStore) Version(ctx context.Context, tenantID, statementID, versionID string) (*StatementVersion, error) {
	row := s.runner(ctx).QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM consent_statement_versions v
		JOIN consent_statements st ON st.id = v.statement_id
		WHERE st.tenant_id = $1 AND v.statement_id = $2 AND v.id = $3`,
		tenantID, statementID, versionID)
	return scanVersion(row)
}

func (s *PostgresStore) Localizations(ctx context.Context, versionID string) ([]Localization, error) {
	rows, err := s.runner(ctx).QueryContext(ctx, `
		SELECT id, version_id, language, title, COALESCE(description, ''),
		       COALESCE(document_url, ''), COALESCE(inline_content, '')
		FROM consent_statement_localizations
		WHERE version_id = $1`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list localizations: %w", err)
	}
	defer rows.Close()

	var out []Localization
	for rows.Next() {
		var loc Localization
		if err := rows.Scan(&loc.ID, &loc.VersionID, &loc.Language, &loc.Title,
			&loc.Description, &loc.DocumentURL, &loc.InlineContent); err != nil {
			return nil, fmt.Errorf("scan localization: %w", err)
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TenantRequirement(ctx context.Context, tenantID, statementID string) (*TenantRequirement, error) {
	var (
		req          TenantRequirement
		rulesJSON    []byte
		displayOrder sql.NullInt64
	)
	err := s.runner(ctx).QueryRowContext(ctx, `
		SELECT tenant_id, statement_id, is_required, COALESCE(min_version, ''),
		       enforcement, show_deletion_link, COALESCE(deletion_url, ''),
		       conditional_rules, display_order
		FROM tenant_consent_requirements
		WHERE tenant_id = $1 AND statement_id = $2`, tenantID, statementID).
		Scan(&req.TenantID, &req.StatementID, &req.IsRequired, &req.MinVersion,
			&req.Enforcement, &req.ShowDeletionLink, &req.DeletionURL,
			&rulesJSON, &displayOrder)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant requirement: %w", err)
	}
	if req.Rules, err = decodeRules(rulesJSON); err != nil {
		return nil, err
	}
	if displayOrder.Valid {
		order := int(displayOrder.Int64)
		req.DisplayOrder = &order
	}
	return &req, nil
}

func (s *PostgresStore) ClientOverride(ctx context.Context, tenantID, clientID, statementID string) (*ClientOverride, error) {
	var (
		ov           ClientOverride
		rulesJSON    []byte
		minVersion   sql.NullString
		enforcement  sql.NullString
		displayOrder sql.NullInt64
	)
	err := s.runner(ctx).QueryRowContext(ctx, `
		SELECT tenant_id, client_id, statement_id, requirement, min_version,
		       enforcement, conditional_rules, display_order
		FROM client_consent_overrides
		WHERE tenant_id = $1 AND client_id = $2 AND statement_id = $3`,
		tenantID, clientID, statementID).
		Scan(&ov.TenantID, &ov.ClientID, &ov.StatementID, &ov.Requirement,
			&minVersion, &enforcement, &rulesJSON, &displayOrder)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get client override: %w", err)
	}
	if ov.Rules, err = decodeRules(rulesJSON); err != nil {
		return nil, err
	}
	if minVersion.Valid {
		ov.MinVersion = &minVersion.String
	}
	if enforcement.Valid {
		e := Enforcement(enforcement.String)
		ov.Enforcement = &e
	}
	if displayOrder.Valid {
		order := int(displayOrder.Int64)
		ov.DisplayOrder = &order
	}
	return &ov, nil
}

// decodeRules deserializes the JSONB rule list into the closed Rule variant.
func decodeRules(raw []byte) ([]Rule, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("decode conditional rules: %w", err)
	}
	return rules, nil
}

func (s *PostgresStore) Record(ctx context.Context, tenantID, userID, statementID string) (*UserConsentRecord, error) {
	row := s.runner(ctx).QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, statement_id, status, COALESCE(version, ''),
		       granted_at, withdrawn_at, expires_at, COALESCE(client_id, ''),
		       COALESCE(ip_hash, ''), COALESCE(user_agent, ''), updated_at
		FROM user_consent_records
		WHERE tenant_id = $1 AND user_id = $2 AND statement_id = $3`,
		tenantID, userID, statementID)
	return scanRecord(row)
}

func scanRecord(row interface{ Scan(...any) error }) (*UserConsentRecord, error) {
	var (
		rec         UserConsentRecord
		grantedAt   sql.NullTime
		withdrawnAt sql.NullTime
		expiresAt   sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.UserID, &rec.StatementID,
		&rec.Status, &rec.Version, &grantedAt, &withdrawnAt, &expiresAt,
		&rec.ClientID, &rec.IPHash, &rec.UserAgent, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	if grantedAt.Valid {
		rec.GrantedAt = &grantedAt.Time
	}
	if withdrawnAt.Valid {
		rec.WithdrawnAt = &withdrawnAt.Time
	}
	if expiresAt.Valid {
		rec.ExpiresAt = &expiresAt.Time
	}
	return &rec, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, tenantID, userID string) ([]*UserConsentRecord, error) {
	rows, err := s.runner(ctx).QueryContext(ctx, `
		SELECT id, tenant_id, user_id, statement_id, status, COALESCE(version, ''),
		       granted_at, withdrawn_at, expires_at, COALESCE(client_id, ''),
		       COALESCE(ip_hash, ''), COALESCE(user_agent, ''), updated_at
		FROM user_consent_records
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY statement_id`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*UserConsentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveRecord(ctx context.Context, record *UserConsentRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	_, err := s.runner(ctx).ExecContext(ctx, `
		INSERT INTO user_consent_records
			(id, tenant_id, user_id, statement_id, status, version,
			 granted_at, withdrawn_at, expires_at, client_id, ip_hash,
			 user_agent, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (tenant_id, user_id, statement_id) DO UPDATE SET
			status = EXCLUDED.status,
			version = EXCLUDED.version,
			granted_at = EXCLUDED.granted_at,
			withdrawn_at = EXCLUDED.withdrawn_at,
			expires_at = EXCLUDED.expires_at,
			client_id = EXCLUDED.client_id,
			ip_hash = EXCLUDED.ip_hash,
			user_agent = EXCLUDED.user_agent,
			updated_at = NOW()`,
		record.ID, record.TenantID, record.UserID, record.StatementID,
		record.Status, nullString(record.Version), nullTime(record.GrantedAt),
		nullTime(record.WithdrawnAt), nullTime(record.ExpiresAt),
		nullString(record.ClientID), nullString(record.IPHash),
		nullString(record.UserAgent))
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendHistory(ctx context.Context, entry *HistoryRecord) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := s.runner(ctx).ExecContext(ctx, `
		INSERT INTO consent_item_history
			(id, tenant_id, user_id, statement_id, action, status_before,
			 status_after, version_before, version_after, client_id, ip_hash,
			 user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())`,
		entry.ID, entry.TenantID, entry.UserID, entry.StatementID, entry.Action,
		nullString(string(entry.StatusBefore)), entry.StatusAfter,
		nullString(entry.VersionBefore), nullString(entry.VersionAfter),
		nullString(entry.ClientID), nullString(entry.IPHash),
		nullString(entry.UserAgent))
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, tenantID, userID, statementID string) ([]*HistoryRecord, error) {
	rows, err := s.runner(ctx).QueryContext(ctx, `
		SELECT id, tenant_id, user_id, statement_id, action,
		       COALESCE(status_before, ''), status_after,
		       COALESCE(version_before, ''), COALESCE(version_after, ''),
		       COALESCE(client_id, ''), COALESCE(ip_hash, ''),
		       COALESCE(user_agent, ''), created_at
		FROM consent_item_history
		WHERE tenant_id = $1 AND user_id = $2 AND statement_id = $3
		ORDER BY created_at`, tenantID, userID, statementID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []*HistoryRecord
	for rows.Next() {
		var h HistoryRecord
		if err := rows.Scan(&h.ID, &h.TenantID, &h.UserID, &h.StatementID,
			&h.Action, &h.StatusBefore, &h.StatusAfter, &h.VersionBefore,
			&h.VersionAfter, &h.ClientID, &h.IPHash, &h.UserAgent,
			&h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DemoteCurrentVersion(ctx context.Context, tenantID, statementID string) error {
	_, err := s.runner(ctx).ExecContext(ctx, `
		UPDATE consent_statement_versions v
		SET is_current = FALSE, status = $3
		FROM consent_statements st
		WHERE st.id = v.statement_id
		  AND st.tenant_id = $1 AND v.statement_id = $2 AND v.is_current = TRUE`,
		tenantID, statementID, VersionStatusArchived)
	if err != nil {
		return fmt.Errorf("demote current version: %w", err)
	}
	return nil
}

func (s *PostgresStore) PromoteVersion(ctx context.Context, tenantID, statementID, versionID, contentHash string) error {
	_, err := s.runner(ctx).ExecContext(ctx, `
		UPDATE consent_statement_versions v
		SET is_current = TRUE, status = $4, content_hash = $5
		FROM consent_statements st
		WHERE st.id = v.statement_id
		  AND st.tenant_id = $1 AND v.statement_id = $2 AND v.id = $3`,
		tenantID, statementID, versionID, VersionStatusActive, contentHash)
	if err != nil {
		return fmt.Errorf("promote version: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
