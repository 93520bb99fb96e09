package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"consentry/internal/consent"
	dErrors "consentry/pkg/domain-errors"
)

// ClaimSource supplies a claim bag for one user. The base source is typically
// the token claims of the running authentication flow; the profile source is
// a supplementary lookup (user profile service) that may be unavailable.
type ClaimSource interface {
	Claims(ctx context.Context, tenantID, userID string) (consent.Claims, error)
}

// claimFetchTimeout bounds the combined claim gathering.
const claimFetchTimeout = 3 * time.Second

// gatherClaims fetches base and supplementary claims concurrently. The two
// reads have no data dependency, so they share an errgroup. A failing
// supplementary source degrades to an empty contribution; a failing base
// source fails the call. Base claims win on key collisions.
func (s *Service) gatherClaims(ctx context.Context, tenantID, userID string) (consent.Claims, error) {
	if s.base == nil {
		return consent.Claims{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, claimFetchTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	var base, profile consent.Claims

	g.Go(func() error {
		claims, err := s.base.Claims(gctx, tenantID, userID)
		if err != nil {
			return err
		}
		base = claims
		return nil
	})

	if s.profile != nil {
		g.Go(func() error {
			claims, err := s.profile.Claims(gctx, tenantID, userID)
			if err != nil {
				// Degraded claim source: non-fatal, empty contribution.
				// A missing claim never grants an exemption, so consent
				// semantics stay fail-closed.
				s.logger.WarnContext(gctx, "supplementary claim source unavailable",
					"tenant_id", tenantID,
					"error", err.Error(),
				)
				return nil
			}
			profile = claims
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDegraded, "claim source unavailable")
	}

	merged := make(consent.Claims, len(base)+len(profile))
	for k, v := range profile {
		merged[k] = v
	}
	for k, v := range base {
		merged[k] = v
	}
	return merged, nil
}

// StaticClaims is a ClaimSource over a fixed bag, used by tests and by
// callers that already hold verified token claims.
type StaticClaims consent.Claims

func (c StaticClaims) Claims(context.Context, string, string) (consent.Claims, error) {
	return consent.Claims(c), nil
}
