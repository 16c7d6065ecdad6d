package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"digemidscraper/internal/core/domain"
	"digemidscraper/internal/core/ports"
	"digemidscraper/internal/normalize"
	"digemidscraper/internal/ratelimit"
)

// stagedNote is stored on tasks satisfied by a staged export.
const stagedNote = "imported from staged export"

// Config holds the orchestrator settings.
type Config struct {
	RegionCode     string
	RegionName     string
	StaleAfter     time.Duration
	SkipExisting   bool
	SearchDelayMin time.Duration
	SearchDelayMax time.Duration
}

// Orchestrator coordinates the scraping workflow.
type Orchestrator struct {
	queue   ports.TaskQueue
	store   ports.ResultStore
	exports ports.ExportStore
	parser  ports.ExportParser
	fetcher ports.Fetcher
	backoff ratelimit.Backoff
	cfg     Config
	logger  *slog.Logger

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
	delay func(min, max time.Duration) time.Duration
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(
	queue ports.TaskQueue,
	store ports.ResultStore,
	exports ports.ExportStore,
	parser ports.ExportParser,
	fetcher ports.Fetcher,
	backoff ratelimit.Backoff,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		queue:   queue,
		store:   store,
		exports: exports,
		parser:  parser,
		fetcher: fetcher,
		backoff: backoff,
		cfg:     cfg,
		logger:  logger.With("component", "Orchestrator"),
		sleep:   sleepCtx,
		now:     func() time.Time { return time.Now().UTC() },
		delay:   randomDelay,
	}
}

// Run executes one pass: recover stale tasks, import staged exports, then
// drain the queue. It returns when the queue is empty, the context is
// cancelled, or a store becomes unusable.
func (o *Orchestrator) Run(ctx context.Context) (summary domain.RunSummary, err error) {
	summary = domain.RunSummary{RunID: uuid.NewString(), StartedAt: o.now()}
	logger := o.logger.With("run_id", summary.RunID)
	logger.Info("pass started")

	defer func() {
		summary.FinishedAt = o.now()
		attrs := []any{
			"staged", summary.StagedImported,
			"done", summary.TasksDone,
			"failed", summary.TasksFailed,
			"skipped", summary.TasksSkipped,
			"blocks", summary.Blocks,
			"records", summary.Records,
			"elapsed", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Second),
		}
		if err != nil {
			logger.Error("pass aborted", append(attrs, "error", err)...)
			return
		}
		logger.Info("pass finished", attrs...)
	}()

	if o.cfg.StaleAfter > 0 {
		n, err := o.queue.RecoverStale(ctx, o.now().Add(-o.cfg.StaleAfter))
		if err != nil {
			return summary, err
		}
		if n > 0 {
			logger.Warn("recovered stale tasks", "count", n)
		}
		summary.Recovered = n
	}

	if err := o.importStaged(ctx, logger, &summary); err != nil {
		return summary, err
	}

	var state domain.CooldownState
	searched := false
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		task, err := o.queue.ClaimNext(ctx)
		if err != nil {
			return summary, err
		}
		if task == nil {
			return summary, nil
		}

		state, err = o.handle(ctx, logger, task, state, &searched, &summary)
		if err != nil {
			return summary, err
		}
	}
}

// Serve repeats Run on the schedule until the context is cancelled or a pass fails.
func (o *Orchestrator) Serve(ctx context.Context, schedule cron.Schedule) error {
	for {
		if _, err := o.Run(ctx); err != nil {
			return err
		}
		next := schedule.Next(o.now())
		o.logger.Info("waiting for next pass", "at", next.Format(time.RFC3339))
		if err := o.sleep(ctx, next.Sub(o.now())); err != nil {
			return err
		}
	}
}

// importStaged ingests every export already in the directory and resolves the
// PENDING tasks it satisfies.
func (o *Orchestrator) importStaged(ctx context.Context, logger *slog.Logger, summary *domain.RunSummary) error {
	files, err := o.exports.Staged(ctx)
	if err != nil {
		return fmt.Errorf("list staged exports: %w", err)
	}

	for _, file := range files {
		fileLog := logger.With("file", file.Path)

		tasks, err := o.queue.FindPending(ctx, normalize.Stem(file.SearchText))
		if err != nil {
			return err
		}

		src := normalize.Source{SearchText: file.SearchText, Region: o.cfg.RegionName}
		if len(tasks) > 0 {
			src.SearchText = tasks[0].SearchText
			src.ProductID = tasks[0].ProductID
		}

		n, err := o.ingest(ctx, file, src)
		if errors.Is(err, domain.ErrMalformedExport) {
			fileLog.Warn("skipping staged export", "error", err)
			continue
		}
		if err != nil {
			return err
		}

		for _, t := range tasks {
			err := o.queue.Resolve(ctx, t.ID, stagedNote)
			if errors.Is(err, domain.ErrTaskNotFound) {
				continue
			}
			if err != nil {
				return err
			}
		}

		fileLog.Info("imported staged export", "records", n, "tasks_resolved", len(tasks))
		summary.StagedImported++
		summary.Records += n
	}
	return nil
}

// handle processes one claimed task. A non-nil error stops the pass.
func (o *Orchestrator) handle(
	ctx context.Context,
	logger *slog.Logger,
	task *domain.Task,
	state domain.CooldownState,
	searched *bool,
	summary *domain.RunSummary,
) (domain.CooldownState, error) {
	taskLog := logger.With("task_id", task.ID, "search_text", task.SearchText)

	if o.cfg.SkipExisting {
		n, err := o.store.CountFor(ctx, task.SearchText)
		if err != nil {
			o.release(ctx, taskLog, task)
			return state, err
		}
		if n > 0 {
			if err := o.queue.Complete(ctx, task.ID); err != nil {
				o.release(ctx, taskLog, task)
				return state, err
			}
			taskLog.Info("already has locations, skipped", "records", n)
			summary.TasksSkipped++
			return state, nil
		}
	}

	if *searched {
		if err := o.sleep(ctx, o.delay(o.cfg.SearchDelayMin, o.cfg.SearchDelayMax)); err != nil {
			o.release(ctx, taskLog, task)
			return state, err
		}
	}
	*searched = true

	taskLog.Info("fetching export", "region", o.cfg.RegionCode)
	file, err := o.fetcher.Fetch(context.WithoutCancel(ctx), task.SearchText, o.cfg.RegionCode)
	switch {
	case errors.Is(err, domain.ErrBlocked):
		return o.cooldown(ctx, taskLog, task, state, summary)
	case err != nil && domain.IsTaskLevel(err):
		state.ConsecutiveBlocks = 0
		return state, o.fail(ctx, taskLog, task, err, summary)
	case err != nil:
		o.release(ctx, taskLog, task)
		return state, err
	}
	state.ConsecutiveBlocks = 0

	src := normalize.Source{SearchText: task.SearchText, ProductID: task.ProductID, Region: o.cfg.RegionName}
	n, err := o.ingest(ctx, file, src)
	if errors.Is(err, domain.ErrMalformedExport) {
		if cerr := o.exports.Consume(ctx, file); cerr != nil {
			taskLog.Warn("could not discard malformed export", "error", cerr)
		}
		return state, o.fail(ctx, taskLog, task, err, summary)
	}
	if err != nil {
		o.release(ctx, taskLog, task)
		return state, err
	}

	if err := o.queue.Complete(ctx, task.ID); err != nil {
		o.release(ctx, taskLog, task)
		return state, err
	}
	taskLog.Info("task done", "records", n)
	summary.TasksDone++
	summary.Records += n
	return state, nil
}

// cooldown requeues a blocked task and waits out the backoff. The task keeps
// its place at the head of the queue, so the next claim retries it.
func (o *Orchestrator) cooldown(
	ctx context.Context,
	logger *slog.Logger,
	task *domain.Task,
	state domain.CooldownState,
	summary *domain.RunSummary,
) (domain.CooldownState, error) {
	summary.Blocks++
	if err := o.queue.Requeue(ctx, task.ID); err != nil {
		return state, err
	}

	state.ConsecutiveBlocks++
	wait := o.backoff.Cooldown(state.ConsecutiveBlocks)
	state.Active = true
	state.ResumeAt = o.now().Add(wait)
	logger.Warn("portal blocked, cooling down",
		"consecutive_blocks", state.ConsecutiveBlocks,
		"wait", wait,
		"resume_at", state.ResumeAt.Format(time.RFC3339))

	if err := o.sleep(ctx, wait); err != nil {
		return state, err
	}
	state.Active = false
	return state, nil
}

func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, task *domain.Task, cause error, summary *domain.RunSummary) error {
	logger.Warn("task failed", "error", cause)
	if err := o.queue.Fail(ctx, task.ID, cause.Error()); err != nil {
		o.release(ctx, logger, task)
		return err
	}
	summary.TasksFailed++
	return nil
}

// release puts a claimed task back to PENDING before the pass stops.
func (o *Orchestrator) release(ctx context.Context, logger *slog.Logger, task *domain.Task) {
	if err := o.queue.Requeue(context.WithoutCancel(ctx), task.ID); err != nil {
		logger.Error("could not requeue task", "error", err)
	}
}

// ingest parses, normalizes and stores one export, then consumes the file.
func (o *Orchestrator) ingest(ctx context.Context, file domain.ExportFile, src normalize.Source) (int, error) {
	rows, err := o.parser.Parse(ctx, file.Path)
	if err != nil {
		return 0, err
	}

	records := normalize.Records(rows, src)
	n, err := o.store.Upsert(ctx, records)
	if err != nil {
		return n, err
	}

	if err := o.exports.Consume(ctx, file); err != nil {
		return n, fmt.Errorf("consume %s: %w", file.Path, err)
	}
	return n, nil
}

func randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min+1)))
}
