package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/planner"
)

// attemptLedger tracks the candidate rows for one request so each attempt
// mutates its row exactly once for selection and once for the outcome.
type attemptLedger struct {
	d   *Dispatcher
	ids []string // parallel to plan.Candidates
}

// openLedger persists the full candidate picture: planner skips as skipped
// rows, planned candidates as unused until an attempt touches them.
func (d *Dispatcher) openLedger(ctx context.Context, requestID string, plan *planner.Result) *attemptLedger {
	now := time.Now().UTC()
	rows := make([]gateway.RequestCandidate, 0, len(plan.Candidates)+len(plan.Skips))
	ids := make([]string, len(plan.Candidates))

	for i, c := range plan.Candidates {
		ids[i] = uuid.Must(uuid.NewV7()).String()
		rows = append(rows, gateway.RequestCandidate{
			ID:            ids[i],
			RequestID:     requestID,
			Position:      i,
			ProviderID:    c.Provider.ID,
			EndpointID:    c.Endpoint.ID,
			CredentialID:  c.Credential.ID,
			UpstreamModel: c.UpstreamModel,
			Status:        gateway.CandidateUnused,
			CreatedAt:     now,
		})
	}
	for i, s := range plan.Skips {
		rows = append(rows, gateway.RequestCandidate{
			ID:           uuid.Must(uuid.NewV7()).String(),
			RequestID:    requestID,
			Position:     len(plan.Candidates) + i,
			ProviderID:   s.ProviderID,
			EndpointID:   s.EndpointID,
			CredentialID: s.CredentialID,
			Status:       gateway.CandidateSkipped,
			SkipReason:   s.Reason,
			CreatedAt:    now,
		})
	}
	if len(rows) > 0 {
		if err := d.store.InsertCandidates(ctx, rows); err != nil {
			d.logger.Warn("candidate ledger insert failed", "request_id", requestID, "error", err)
		}
	}
	return &attemptLedger{d: d, ids: ids}
}

func (l *attemptLedger) selected(ctx context.Context, i int) {
	l.update(ctx, i, gateway.CandidateSelected, "", 0)
}

func (l *attemptLedger) skipped(ctx context.Context, i int, reason string) {
	l.update(ctx, i, gateway.CandidateSkipped, reason, 0)
}

func (l *attemptLedger) finished(ctx context.Context, i int, status gateway.CandidateStatus, category string, latency time.Duration) {
	l.update(ctx, i, status, category, latency.Milliseconds())
}

func (l *attemptLedger) update(ctx context.Context, i int, status gateway.CandidateStatus, category string, latencyMs int64) {
	if i < 0 || i >= len(l.ids) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := l.d.store.UpdateCandidate(ctx, l.ids[i], status, category, latencyMs); err != nil {
		l.d.logger.Warn("candidate ledger update failed", "candidate_id", l.ids[i], "error", err)
	}
}
