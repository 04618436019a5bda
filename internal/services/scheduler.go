package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/Lllllllleong/pageflow/internal/models"
	"github.com/Lllllllleong/pageflow/internal/tasks"
	"golang.org/x/sync/errgroup"
)

// SchedulerConfig controls how a document's pages are dispatched.
type SchedulerConfig struct {
	Providers         []models.Provider
	BatchProviders    []models.Provider
	PreferredProvider models.Provider
	// TierSizes sizes the tiers after the first page; the rest go in a final tier.
	TierSizes    []int
	MonitorDelay time.Duration
	// DispatchConcurrency bounds the enqueue calls in flight within a tier.
	DispatchConcurrency int
}

// Tier is a group of pages dispatched together at one priority.
type Tier struct {
	Priority int
	PageIDs  []string
}

var tierPriorities = []int{tasks.PriorityHigh, tasks.PriorityMedium, tasks.PriorityLow}

// PartitionTiers puts the first page alone at maximum priority, then fills
// the configured tier sizes in order, with every remaining page in a last tier.
func PartitionTiers(pageIDs []string, sizes []int) []Tier {
	if len(pageIDs) == 0 {
		return nil
	}
	tiers := []Tier{{Priority: tasks.PriorityMax, PageIDs: pageIDs[:1]}}
	rest := pageIDs[1:]
	for i := 0; len(rest) > 0; i++ {
		n := len(rest)
		if i < len(sizes) && sizes[i] > 0 {
			n = min(sizes[i], len(rest))
		}
		tiers = append(tiers, Tier{Priority: tierPriority(i), PageIDs: rest[:n]})
		rest = rest[n:]
	}
	return tiers
}

func tierPriority(i int) int {
	if i < len(tierPriorities) {
		return tierPriorities[i]
	}
	return tierPriorities[len(tierPriorities)-1]
}

// ProviderOrder rotates the providers by page index so no provider always
// gets the first slot.
func ProviderOrder(providers []models.Provider, pageIndex int) []models.Provider {
	if len(providers) == 0 {
		return nil
	}
	out := make([]models.Provider, len(providers))
	for i := range providers {
		out[i] = providers[(pageIndex+i)%len(providers)]
	}
	return out
}

// SchedulerFunction dispatches extraction tasks for a freshly split document.
type SchedulerFunction struct {
	queue  tasks.Queue
	config SchedulerConfig
}

// NewScheduler creates a new SchedulerFunction instance.
func NewScheduler(queue tasks.Queue, config SchedulerConfig) *SchedulerFunction {
	if len(config.Providers) == 0 {
		config.Providers = models.Providers
	}
	if config.DispatchConcurrency <= 0 {
		config.DispatchConcurrency = 8
	}
	return &SchedulerFunction{queue: queue, config: config}
}

// Schedule enqueues extraction work tier by tier and then starts the completion
// monitor chain. Enqueue failures of single tasks are logged and skipped.
func (f *SchedulerFunction) Schedule(ctx context.Context, documentID string, pageIDs []string) error {
	logCtx := slog.With("documentId", documentID)
	if len(pageIDs) == 0 {
		logCtx.Warn("No pages to schedule.")
		return nil
	}

	var perPage []models.Provider
	for _, p := range f.config.Providers {
		if slices.Contains(f.config.BatchProviders, p) {
			req := models.ExtractDocumentRequest{DocumentID: documentID, Provider: p}
			if err := tasks.Enqueue(ctx, f.queue, tasks.KindExtractDocument, req, tasks.WithPriority(tasks.PriorityHigh)); err != nil {
				logCtx.Error("Failed to enqueue batch extraction.", "provider", p, "error", err)
			}
			continue
		}
		perPage = append(perPage, p)
	}

	var dispatched, failed atomic.Int64
	pageIndex := 0
	for ti, tier := range PartitionTiers(pageIDs, f.config.TierSizes) {
		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(f.config.DispatchConcurrency)
		for _, pageID := range tier.PageIDs {
			for slot, provider := range ProviderOrder(perPage, pageIndex) {
				req := models.ExtractPageRequest{
					DocumentID: documentID,
					PageID:     pageID,
					Provider:   provider,
					Priority:   tier.Priority + slot,
				}
				eg.Go(func() error {
					if err := tasks.Enqueue(gctx, f.queue, tasks.KindExtractPage, req, tasks.WithPriority(req.Priority)); err != nil {
						failed.Add(1)
						logCtx.Error("Failed to enqueue extraction.", "pageId", req.PageID, "provider", req.Provider, "error", err)
						return nil
					}
					dispatched.Add(1)
					return nil
				})
			}
			pageIndex++
		}
		_ = eg.Wait()
		logCtx.Info("Tier dispatched.", "tier", ti, "priority", tier.Priority, "pageCount", len(tier.PageIDs))
	}

	recheck := models.RecheckCompletionRequest{DocumentID: documentID, PreferredProvider: f.config.PreferredProvider}
	if err := tasks.Enqueue(ctx, f.queue, tasks.KindRecheckCompletion, recheck,
		tasks.WithPriority(tasks.PriorityLow), tasks.WithDelay(f.config.MonitorDelay)); err != nil {
		return fmt.Errorf("failed to start completion monitor: %w", err)
	}
	logCtx.Info("Scheduling complete.", "dispatched", dispatched.Load(), "failed", failed.Load())
	return nil
}
