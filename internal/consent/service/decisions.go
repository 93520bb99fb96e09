package service

import (
	"context"
	"sort"

	"consentry/internal/audit"
	"consentry/internal/consent"
	dErrors "consentry/pkg/domain-errors"
)

// ProcessDecisions applies a batch of granted/denied decisions as audited
// state transitions. Entries are processed sequentially and independently;
// there are no cross-statement invariants. A statement without a current
// version is skipped silently so an unpublished statement never blocks
// unrelated decisions or the surrounding authentication flow.
//
// Two concurrent calls for the same (tenant, user, statement) race on a
// read-modify-write basis: whichever storage write lands last wins. The
// engine takes no locks here.
func (s *Service) ProcessDecisions(ctx context.Context, tenantID, userID string, decisions map[string]consent.Decision, evidence consent.Evidence) error {
	// Map order is randomized; process in a stable order so audit trails for
	// one batch are reproducible.
	statementIDs := make([]string, 0, len(decisions))
	for statementID := range decisions {
		statementIDs = append(statementIDs, statementID)
	}
	sort.Strings(statementIDs)

	for _, statementID := range statementIDs {
		if err := s.processDecision(ctx, tenantID, userID, statementID, decisions[statementID], evidence); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) processDecision(ctx context.Context, tenantID, userID, statementID string, decision consent.Decision, evidence consent.Evidence) error {
	current, err := s.store.CurrentVersion(ctx, tenantID, statementID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeStorage, "load current version")
	}
	if current == nil {
		s.metrics.IncrementTransition("skipped")
		s.logger.DebugContext(ctx, "skipping decision for unpublished statement",
			"tenant_id", tenantID,
			"statement_id", statementID,
		)
		return nil
	}

	record, err := s.store.Record(ctx, tenantID, userID, statementID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeStorage, "load record")
	}

	switch decision {
	case consent.DecisionGranted:
		return s.applyGranted(ctx, tenantID, userID, statementID, current, record, evidence)
	case consent.DecisionDenied:
		return s.applyDenied(ctx, tenantID, userID, statementID, current, record, evidence)
	}
	return dErrors.New(dErrors.CodeBadRequest, "unknown decision: "+string(decision))
}

func (s *Service) applyGranted(ctx context.Context, tenantID, userID, statementID string, current *consent.StatementVersion, record *consent.UserConsentRecord, evidence consent.Evidence) error {
	now := s.clock()

	if record == nil {
		fresh := &consent.UserConsentRecord{
			TenantID:    tenantID,
			UserID:      userID,
			StatementID: statementID,
			Status:      consent.RecordGranted,
			Version:     current.Version,
			GrantedAt:   &now,
			ClientID:    evidence.ClientID,
			IPHash:      evidence.IPHash,
			UserAgent:   evidence.UserAgent,
		}
		if err := s.store.SaveRecord(ctx, fresh); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "save record")
		}
		return s.appendTransition(ctx, transition{
			tenantID: tenantID, userID: userID, statementID: statementID,
			action:       consent.HistoryGranted,
			statusAfter:  consent.RecordGranted,
			versionAfter: current.Version,
			evidence:     evidence,
		})
	}

	// Idempotency: granted at the current version is a no-op with zero
	// storage writes and zero history rows.
	if record.Status == consent.RecordGranted && record.Version == current.Version {
		s.metrics.IncrementTransition("noop")
		return nil
	}

	prior := *record
	action := consent.HistoryGranted
	if prior.Status == consent.RecordGranted {
		action = consent.HistoryVersionUpgraded
	}

	record.Status = consent.RecordGranted
	record.Version = current.Version
	record.GrantedAt = &now
	record.ClientID = evidence.ClientID
	record.IPHash = evidence.IPHash
	record.UserAgent = evidence.UserAgent
	if err := s.store.SaveRecord(ctx, record); err != nil {
		return dErrors.Wrap(err, dErrors.CodeStorage, "save record")
	}
	return s.appendTransition(ctx, transition{
		tenantID: tenantID, userID: userID, statementID: statementID,
		action:        action,
		statusBefore:  prior.Status,
		statusAfter:   consent.RecordGranted,
		versionBefore: prior.Version,
		versionAfter:  current.Version,
		evidence:      evidence,
	})
}

func (s *Service) applyDenied(ctx context.Context, tenantID, userID, statementID string, current *consent.StatementVersion, record *consent.UserConsentRecord, evidence consent.Evidence) error {
	now := s.clock()

	if record == nil {
		fresh := &consent.UserConsentRecord{
			TenantID:    tenantID,
			UserID:      userID,
			StatementID: statementID,
			Status:      consent.RecordDenied,
			Version:     current.Version,
			ClientID:    evidence.ClientID,
			IPHash:      evidence.IPHash,
			UserAgent:   evidence.UserAgent,
		}
		if err := s.store.SaveRecord(ctx, fresh); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "save record")
		}
		return s.appendTransition(ctx, transition{
			tenantID: tenantID, userID: userID, statementID: statementID,
			action:       consent.HistoryDenied,
			statusAfter:  consent.RecordDenied,
			versionAfter: current.Version,
			evidence:     evidence,
		})
	}

	switch record.Status {
	case consent.RecordGranted:
		// Denying a granted item is an explicit withdrawal. The stored
		// version stays put: it records which version was withdrawn.
		prior := *record
		record.Status = consent.RecordWithdrawn
		record.WithdrawnAt = &now
		record.ClientID = evidence.ClientID
		record.IPHash = evidence.IPHash
		record.UserAgent = evidence.UserAgent
		if err := s.store.SaveRecord(ctx, record); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "save record")
		}
		return s.appendTransition(ctx, transition{
			tenantID: tenantID, userID: userID, statementID: statementID,
			action:        consent.HistoryWithdrawn,
			statusBefore:  prior.Status,
			statusAfter:   consent.RecordWithdrawn,
			versionBefore: prior.Version,
			versionAfter:  prior.Version,
			evidence:      evidence,
		})

	case consent.RecordDenied:
		s.metrics.IncrementTransition("noop")
		return nil

	default:
		// Withdrawn or expired. The stored version field stays unchanged
		// while the history row's VersionAfter carries the current version;
		// the audit trail and the record intentionally diverge here.
		prior := *record
		record.Status = consent.RecordDenied
		record.ClientID = evidence.ClientID
		record.IPHash = evidence.IPHash
		record.UserAgent = evidence.UserAgent
		if err := s.store.SaveRecord(ctx, record); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "save record")
		}
		return s.appendTransition(ctx, transition{
			tenantID: tenantID, userID: userID, statementID: statementID,
			action:        consent.HistoryDenied,
			statusBefore:  prior.Status,
			statusAfter:   consent.RecordDenied,
			versionBefore: prior.Version,
			versionAfter:  current.Version,
			evidence:      evidence,
		})
	}
}

type transition struct {
	tenantID      string
	userID        string
	statementID   string
	action        consent.HistoryAction
	statusBefore  consent.RecordStatus
	statusAfter   consent.RecordStatus
	versionBefore string
	versionAfter  string
	evidence      consent.Evidence
}

// appendTransition writes the append-only history row, bumps metrics and
// emits the matching audit event.
func (s *Service) appendTransition(ctx context.Context, t transition) error {
	entry := &consent.HistoryRecord{
		TenantID:      t.tenantID,
		UserID:        t.userID,
		StatementID:   t.statementID,
		Action:        t.action,
		StatusBefore:  t.statusBefore,
		StatusAfter:   t.statusAfter,
		VersionBefore: t.versionBefore,
		VersionAfter:  t.versionAfter,
		ClientID:      t.evidence.ClientID,
		IPHash:        t.evidence.IPHash,
		UserAgent:     t.evidence.UserAgent,
		CreatedAt:     s.clock(),
	}
	if err := s.store.AppendHistory(ctx, entry); err != nil {
		return dErrors.Wrap(err, dErrors.CodeStorage, "append history")
	}

	s.metrics.IncrementTransition(string(t.action))
	s.emitAudit(ctx, audit.Event{
		TenantID:    t.tenantID,
		UserID:      t.userID,
		StatementID: t.statementID,
		Action:      auditAction(t.action),
		ClientID:    t.evidence.ClientID,
		Version:     t.versionAfter,
		IPHash:      t.evidence.IPHash,
		UserAgent:   t.evidence.UserAgent,
	})
	return nil
}

func auditAction(action consent.HistoryAction) audit.Action {
	switch action {
	case consent.HistoryGranted:
		return audit.ActionConsentGranted
	case consent.HistoryWithdrawn:
		return audit.ActionConsentWithdrawn
	case consent.HistoryVersionUpgraded:
		return audit.ActionVersionUpgraded
	default:
		return audit.ActionConsentDenied
	}
}
