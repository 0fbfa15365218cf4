package processing

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"price_sync/internal/marketplace"
	"price_sync/internal/notifications"
	"price_sync/internal/pricing"
	"price_sync/internal/sheets"
	"price_sync/internal/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Runner executes polling cycles. Source and Store are required; Notifier
// and Metrics may be nil.
type Runner struct {
	Source   Source
	Store    Store
	Notifier Notifier
	Metrics  *telemetry.Metrics

	LogTable string
	// SkipRows drops this many rows after the header, e.g. a caption row.
	SkipRows int
	Debug    bool
	Now      func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// RunCycle processes every target concurrently and the ranges of a target
// in order. Failures are logged and reported, never returned.
func (r *Runner) RunCycle(ctx context.Context, targets []Target) []RangeReport {
	start := time.Now()
	log.Info().Int("marketplaces", len(targets)).Msg("Starting price sync cycle")

	perTarget := make([][]RangeReport, len(targets))
	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			perTarget[i] = r.processTarget(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	var reports []RangeReport
	failed := 0
	for _, rs := range perTarget {
		for _, rep := range rs {
			if rep.FailedStage != "" {
				failed++
			}
			reports = append(reports, rep)
		}
	}

	elapsed := time.Since(start)
	r.Metrics.CycleFinished(elapsed)
	log.Info().
		Int("ranges", len(reports)).
		Int("failed", failed).
		Dur("duration", elapsed).
		Msg("Price sync cycle finished")
	return reports
}

// processTarget walks the ranges of one marketplace. A panic stops the
// remaining ranges of that marketplace only.
func (r *Runner) processTarget(ctx context.Context, t Target) (reports []RangeReport) {
	current := ""
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic: %v", p)
			log.Error().
				Str("marketplace", t.Name).
				Str("range", current).
				Err(err).
				Bytes("stack", debug.Stack()).
				Msg("Range processing panicked")
			rep := RangeReport{Marketplace: t.Name, Range: current}
			r.failStage(&rep, StagePanic, err)
			reports = append(reports, rep)
		}
	}()

	for _, rg := range t.Ranges {
		if ctx.Err() != nil {
			log.Warn().Str("marketplace", t.Name).Msg("Cycle cancelled, skipping remaining ranges")
			return reports
		}
		current = rg.Name
		reports = append(reports, r.ProcessRange(ctx, t, rg))
	}
	return reports
}

// ProcessRange runs fetch, snapshot sync, reconciliation, change log,
// write-back and publishing for one range.
func (r *Runner) ProcessRange(ctx context.Context, t Target, rg Range) RangeReport {
	rep := RangeReport{Marketplace: t.Name, Range: rg.Name}
	logger := log.With().Str("marketplace", t.Name).Str("range", rg.Name).Logger()

	table, err := r.Source.Fetch(ctx, rg.Read)
	if err != nil {
		if errors.Is(err, sheets.ErrNoData) {
			logger.Warn().Str("read", rg.Read).Msg("No data in range, skipping")
		} else {
			logger.Error().Err(err).Str("read", rg.Read).Msg("Failed to fetch range, skipping")
		}
		r.failStage(&rep, StageFetch, err)
		return rep
	}
	table = dropLeadingRows(table, r.SkipRows)
	logger.Debug().Int("rows", len(table.Rows)).Int("columns", len(table.Columns)).Msg("Fetched range")

	stats, err := r.Store.SyncSnapshot(ctx, rg.Table, table, rg.PrimaryKey)
	if err != nil {
		logger.Error().Err(err).Str("table", rg.Table).Msg("Snapshot sync failed, continuing")
		r.failStage(&rep, StageSnapshot, err)
	} else {
		rep.Snapshot = stats
		r.Metrics.SnapshotRows(rg.Table, stats.Inserted, stats.Updated, stats.Deleted)
	}

	result, err := pricing.Reconcile(table, t.Columns, r.now())
	if err != nil {
		logger.Error().Err(err).Msg("Column bindings do not match the sheet, skipping range")
		r.failStage(&rep, StageBindings, err)
		return rep
	}
	r.recordDecisions(ctx, logger, t.Name, rg.Name, result, &rep)

	if err := r.Store.AppendChangeLog(ctx, r.LogTable, result.Entries); err != nil {
		logger.Error().Err(err).Str("log_table", r.LogTable).Msg("Failed to append change log")
		r.failStage(&rep, StageChangeLog, err)
	}

	if err := r.Source.WriteRows(ctx, rg.Write, result.Corrected); err != nil {
		logger.Error().Err(err).Str("write", rg.Write).Msg("Write-back failed, not publishing")
		r.failStage(&rep, StageWrite, err)
		return rep
	}
	logger.Debug().Str("write", rg.Write).Int("rows", len(result.Corrected.Rows)).Msg("Wrote corrected rows")

	if len(result.Accepted) == 0 {
		logger.Info().Msg("No accepted changes to publish")
		return rep
	}

	res, err := marketplace.Dispatch(ctx, t.Publisher, result.Accepted, t.Fields, rg.Credentials, r.Debug)
	rep.Published = res
	if res != nil {
		r.Metrics.Published(t.Name, "sent", res.Sent)
		r.Metrics.Published(t.Name, "failed", len(res.Failed))
		r.Metrics.Published(t.Name, "preview", len(res.Preview))
	}
	if err != nil {
		logger.Error().Err(err).Msg("Publishing prices failed")
		r.failStage(&rep, StagePublish, err)
		if r.Notifier != nil {
			r.Notifier.NotifyPublishFailure(ctx, t.Name, rg.Name, err)
		}
		return rep
	}

	ev := logger.Info().Int("accepted", len(result.Accepted))
	if res != nil {
		ev = ev.Int("sent", res.Sent).Int("previewed", len(res.Preview))
	}
	ev.Msg("Published accepted prices")
	return rep
}

func (r *Runner) recordDecisions(ctx context.Context, logger zerolog.Logger, mp, rangeName string, result *pricing.Result, rep *RangeReport) {
	rep.Outcomes = result.Counts()
	rep.Accepted = len(result.Accepted)

	discounts := 0
	for _, d := range result.Decisions {
		if d.DiscountChanged {
			discounts++
		}
		if d.Outcome.PriceChanged() || d.DiscountChanged {
			logger.Info().Str("id", d.ID).Str("product_id", d.ProductID).Msg(d.Remark)
		}
	}
	for outcome, n := range rep.Outcomes {
		r.Metrics.RowOutcome(mp, outcome.String(), n)
	}
	r.Metrics.DiscountChanges(mp, discounts)

	review := result.Review()
	rep.Review = len(review)
	items := make([]notifications.ReviewItem, 0, len(review))
	for _, d := range review {
		logger.Warn().
			Str("id", d.ID).
			Str("product_id", d.ProductID).
			Str("outcome", d.Outcome.String()).
			Msg(d.Remark)
		items = append(items, notifications.ReviewItem{ID: d.ID, ProductID: d.ProductID, Remark: d.Remark})
	}
	if len(items) > 0 && r.Notifier != nil {
		r.Notifier.NotifyReview(ctx, mp, rangeName, items)
	}

	logger.Info().
		Int("rows", len(result.Decisions)).
		Int("accepted", rep.Accepted).
		Int("review", rep.Review).
		Int("entries", len(result.Entries)).
		Msg("Reconciled range")
}

func (r *Runner) failStage(rep *RangeReport, stage string, err error) {
	rep.fail(stage, err)
	r.Metrics.StageFailure(rep.Marketplace, stage)
}

// dropLeadingRows removes the first n data rows, keeping the header.
func dropLeadingRows(t *pricing.Table, n int) *pricing.Table {
	if n <= 0 {
		return t
	}
	out := &pricing.Table{Columns: t.Columns}
	if n < len(t.Rows) {
		out.Rows = t.Rows[n:]
	}
	return out
}
