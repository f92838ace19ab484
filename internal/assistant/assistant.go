// Package assistant orchestrates the full query pipeline: decomposition via
// the verified sidecar, parallel evidence retrieval from the local knowledge
// store, confidence scoring, synthesis, and the audit trail.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"axiomhive/internal/audit"
	"axiomhive/internal/protocol"
	"axiomhive/internal/search"
	"axiomhive/internal/store"
)

// Transport is the slice of the sidecar supervisor the assistant needs. The
// not-Running gate lives inside the supervisor's Send, so the assistant only
// ever exchanges and shuts down.
type Transport interface {
	Send(ctx context.Context, op string, payload []byte) ([]byte, error)
	Shutdown(ctx context.Context) error
}

// Retriever is the slice of the knowledge store the assistant needs.
type Retriever interface {
	Retrieve(ctx context.Context, subject, angle string, limit int) ([]store.Evidence, error)
	Close() error
}

// Options configures an Assistant.
type Options struct {
	MaxEvidencePerBranch int
	Logger               *zap.Logger
}

// Assistant ties the pipeline together. It owns shutdown of its collaborators.
type Assistant struct {
	transport Transport
	retriever Retriever
	trail     *audit.Log
	opts      Options
}

// New builds an Assistant over an already-started transport.
func New(transport Transport, retriever Retriever, trail *audit.Log, opts Options) *Assistant {
	if opts.MaxEvidencePerBranch <= 0 {
		opts.MaxEvidencePerBranch = 5
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Assistant{
		transport: transport,
		retriever: retriever,
		trail:     trail,
		opts:      opts,
	}
}

// HandleQuery runs one query through the pipeline and returns the synthesized
// answer. A store failure on any branch degrades the answer instead of
// aborting it; only sidecar integrity and channel failures are fatal here.
func (a *Assistant) HandleQuery(ctx context.Context, rawText string) (*search.SynthesizedAnswer, error) {
	q := search.Query{
		ID:        uuid.NewString(),
		RawText:   rawText,
		Timestamp: time.Now().UTC(),
	}
	log := a.opts.Logger.With(zap.String("query_id", q.ID))
	log.Info("handling query", zap.Int("raw_len", len(rawText)))

	branches, err := a.decompose(ctx, q)
	if err != nil {
		return nil, err
	}
	a.record(ctx, q.ID, audit.StageDecomposed, "",
		fmt.Sprintf("%d branches", len(branches)))

	a.retrieveAll(ctx, q, branches)
	for i := range branches {
		a.record(ctx, q.ID, audit.StageRetrieved, branches[i].Label,
			retrievalPayload(branches[i]))
	}

	scored := search.Evaluate(branches)
	for _, b := range scored {
		a.record(ctx, q.ID, audit.StageScored, b.Label,
			fmt.Sprintf("confidence=%.4f kept=%t", b.Confidence, b.Kept))
	}

	answer := search.Synthesize(q.ID, scored)
	a.record(ctx, q.ID, audit.StageSynthesized, "",
		fmt.Sprintf("degraded=%t", answer.Degraded))

	log.Info("query answered",
		zap.Int("branches", len(answer.Branches)),
		zap.Bool("degraded", answer.Degraded))
	return answer, nil
}

// decompose asks the sidecar to plan the branches for a query.
func (a *Assistant) decompose(ctx context.Context, q search.Query) ([]search.Branch, error) {
	payload, err := json.Marshal(protocol.DecomposeRequest{QueryID: q.ID, RawText: q.RawText})
	if err != nil {
		return nil, fmt.Errorf("encode decompose request: %w", err)
	}

	raw, err := a.transport.Send(ctx, protocol.OpDecompose, payload)
	if err != nil {
		return nil, fmt.Errorf("decompose query: %w", err)
	}

	var reply protocol.DecomposeReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode decompose reply: %w", err)
	}
	if len(reply.Branches) == 0 {
		return nil, errors.New("sidecar returned no branches")
	}

	branches := make([]search.Branch, len(reply.Branches))
	for i, bp := range reply.Branches {
		branches[i] = search.Branch{Label: bp.Label, SubQuestion: bp.SubQuestion}
	}
	return branches, nil
}

// retrieveAll fans retrieval out per branch. Each branch looks the raw query
// text up under its own angle; a branch whose lookup fails is marked
// Unavailable rather than failing the whole query.
func (a *Assistant) retrieveAll(ctx context.Context, q search.Query, branches []search.Branch) {
	g, gctx := errgroup.WithContext(ctx)
	for i := range branches {
		i := i
		g.Go(func() error {
			angle := strings.ToLower(branches[i].Label)
			evidence, err := a.retriever.Retrieve(gctx, q.RawText, angle, a.opts.MaxEvidencePerBranch)
			if err != nil {
				a.opts.Logger.Warn("knowledge store unavailable for branch",
					zap.String("query_id", q.ID),
					zap.String("branch", branches[i].Label),
					zap.Error(err))
				branches[i].Unavailable = true
				return nil
			}
			branches[i].Evidence = toEvidenceRecords(evidence)
			return nil
		})
	}
	g.Wait()
}

func toEvidenceRecords(evidence []store.Evidence) []search.EvidenceRecord {
	out := make([]search.EvidenceRecord, len(evidence))
	for i, ev := range evidence {
		out[i] = search.EvidenceRecord{
			SourceID:      ev.ID,
			Snippet:       ev.Content,
			MatchStrength: ev.MatchStrength,
		}
	}
	return out
}

func retrievalPayload(b search.Branch) string {
	if b.Unavailable {
		return "store unavailable"
	}
	return fmt.Sprintf("%d records", len(b.Evidence))
}

// record appends an audit entry. Audit failures are logged and noted as
// anomalies but never surface to the query path.
func (a *Assistant) record(ctx context.Context, queryID string, stage audit.Stage, branch, payload string) {
	if a.trail == nil {
		return
	}
	if err := a.trail.Record(ctx, queryID, stage, branch, payload); err != nil {
		a.opts.Logger.Error("audit write failed",
			zap.String("query_id", queryID),
			zap.String("stage", string(stage)),
			zap.Error(err))
		if aerr := a.trail.RecordAnomaly(ctx, "audit_write_failure", err.Error()); aerr != nil {
			a.opts.Logger.Debug("anomaly record also failed", zap.Error(aerr))
		}
	}
}

// Trail exposes the audit log for the inspection command.
func (a *Assistant) Trail() *audit.Log { return a.trail }

// Shutdown stops the sidecar and closes the stores.
func (a *Assistant) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.transport.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.retriever.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.trail != nil {
		if err := a.trail.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
