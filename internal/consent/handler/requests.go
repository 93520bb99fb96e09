package handler

import (
	"consentry/internal/consent"
	dErrors "consentry/pkg/domain-errors"
)

// DecisionsRequest is the body of POST /consent/decisions.
type DecisionsRequest struct {
	ClientID  string                      `json:"client_id,omitempty"`
	Decisions map[string]consent.Decision `json:"decisions"`
}

// Validate rejects empty batches and unknown decision values before the
// service runs.
func (r *DecisionsRequest) Validate() error {
	if len(r.Decisions) == 0 {
		return dErrors.New(dErrors.CodeBadRequest, "decisions must not be empty")
	}
	for statementID, decision := range r.Decisions {
		if statementID == "" {
			return dErrors.New(dErrors.CodeBadRequest, "statement id must not be empty")
		}
		if decision != consent.DecisionGranted && decision != consent.DecisionDenied {
			return dErrors.New(dErrors.CodeBadRequest, "invalid decision: "+string(decision))
		}
	}
	return nil
}
