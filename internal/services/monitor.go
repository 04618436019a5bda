package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/store"
	"github.com/Lllllllleong/pageflow/internal/tasks"
)

// MonitorOutcome is where one completion check ended.
type MonitorOutcome string

const (
	OutcomeSatisfied MonitorOutcome = "satisfied"
	// OutcomePending means nothing is complete yet; a follow-up check may be queued.
	OutcomePending MonitorOutcome = "pending"
	OutcomeGaveUp  MonitorOutcome = "gaveUp"
	// OutcomeStopped means the document was already processed or failed.
	OutcomeStopped MonitorOutcome = "stopped"
)

// MonitorResult reports one completion check.
type MonitorResult struct {
	Outcome  MonitorOutcome
	Provider models.Provider
}

// MonitorConfig controls the polling chain.
type MonitorConfig struct {
	Providers   []models.Provider
	Delay       time.Duration
	MaxAttempts int
}

// MonitorFunction polls whether some provider has finished every page.
type MonitorFunction struct {
	store      store.Store
	queue      tasks.Queue
	aggregator *AggregatorFunction
	config     MonitorConfig
}

// NewMonitor creates a new MonitorFunction instance.
func NewMonitor(st store.Store, queue tasks.Queue, aggregator *AggregatorFunction, config MonitorConfig) *MonitorFunction {
	if len(config.Providers) == 0 {
		config.Providers = models.Providers
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 10
	}
	if config.Delay <= 0 {
		config.Delay = 30 * time.Second
	}
	return &MonitorFunction{store: st, queue: queue, aggregator: aggregator, config: config}
}

// Recheck runs one step of the completion state machine. Nothing being complete
// yet is not an error: the check is requeued until the attempt ceiling.
func (f *MonitorFunction) Recheck(ctx context.Context, req models.RecheckCompletionRequest) (MonitorResult, error) {
	logCtx := slog.With("documentId", req.DocumentID, "attempt", req.AttemptCount, "preferredProvider", req.PreferredProvider)

	doc, err := f.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return MonitorResult{}, fmt.Errorf("failed to load document: %w", err)
	}
	if doc.Status == models.DocumentProcessed || doc.Status == models.DocumentFailed {
		logCtx.Info("Document no longer in progress; stopping checks.", "status", doc.Status)
		return MonitorResult{Outcome: OutcomeStopped}, nil
	}

	for _, provider := range f.candidates(req.PreferredProvider) {
		ok, err := f.Satisfied(ctx, req.DocumentID, provider)
		if err != nil {
			return MonitorResult{}, err
		}
		if !ok {
			continue
		}
		logCtx.Info("Completion satisfied.", "provider", provider)
		if _, err := f.aggregator.Aggregate(ctx, req.DocumentID, provider); err != nil {
			return MonitorResult{}, fmt.Errorf("aggregation for %s failed: %w", provider, err)
		}
		return MonitorResult{Outcome: OutcomeSatisfied, Provider: provider}, nil
	}

	if req.Advisory {
		logCtx.Info("Advisory check found no complete provider.")
		return MonitorResult{Outcome: OutcomePending}, nil
	}
	if req.AttemptCount >= f.config.MaxAttempts {
		logCtx.Warn("Completion monitor gave up; document keeps its current status.", "status", doc.Status)
		return MonitorResult{Outcome: OutcomeGaveUp}, nil
	}

	next := req
	next.AttemptCount++
	if err := tasks.Enqueue(ctx, f.queue, tasks.KindRecheckCompletion, next,
		tasks.WithPriority(tasks.PriorityLow), tasks.WithDelay(f.config.Delay)); err != nil {
		return MonitorResult{}, fmt.Errorf("failed to reschedule completion check: %w", err)
	}
	logCtx.Info("Document not complete yet; check rescheduled.", "delay", f.config.Delay.String())
	return MonitorResult{Outcome: OutcomePending}, nil
}

// candidates is the preferred provider first, then the others in fixed order.
func (f *MonitorFunction) candidates(preferred models.Provider) []models.Provider {
	out := make([]models.Provider, 0, len(f.config.Providers)+1)
	if preferred != "" {
		out = append(out, preferred)
	}
	for _, p := range f.config.Providers {
		if p != preferred {
			out = append(out, p)
		}
	}
	return out
}

// Satisfied reports whether every page of the document has a completed
// CleanedPage for provider. It always reads current state.
func (f *MonitorFunction) Satisfied(ctx context.Context, documentID string, provider models.Provider) (bool, error) {
	pages, err := f.store.ListPages(ctx, documentID)
	if err != nil {
		return false, fmt.Errorf("failed to list pages: %w", err)
	}
	if len(pages) == 0 {
		return false, nil
	}
	cleaned, err := f.store.ListCleanedPages(ctx, documentID, provider)
	if err != nil {
		return false, fmt.Errorf("failed to list cleaned pages: %w", err)
	}
	done := make(map[string]bool, len(cleaned))
	for _, c := range cleaned {
		if c.CleaningStatus == models.CleaningCompleted {
			done[c.PageID] = true
		}
	}
	for _, p := range pages {
		if !done[p.ID] {
			return false, nil
		}
	}
	return true, nil
}
