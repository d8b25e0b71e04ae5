// Package scheduler drives the engine: a pass over every user with stored
// credentials right away and then on each tick, plus manual runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/clock"
	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/logging"
	"github.com/dmitrijs2005/crosspost/internal/models"
)

// Runner executes one sync pass for one user.
type Runner interface {
	Run(ctx context.Context, userID string) (*models.SyncRun, error)
}

// UserSource lists the users to sync.
type UserSource interface {
	ListUsers(ctx context.Context) ([]string, error)
}

// Result is the outcome of one user's run within a pass.
type Result struct {
	UserID string
	Run    *models.SyncRun
	Err    error
}

type Config struct {
	Interval time.Duration
	Workers  int
}

type Scheduler struct {
	runner   Runner
	users    UserSource
	clock    clock.Clock
	logger   logging.Logger
	interval time.Duration
	workers  int
}

func New(runner Runner, users UserSource, clk clock.Clock, logger logging.Logger, cfg Config) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("scheduler: interval must be positive, got %s", cfg.Interval)
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("scheduler: need at least one worker, got %d", cfg.Workers)
	}
	return &Scheduler{
		runner:   runner,
		users:    users,
		clock:    clk,
		logger:   logger.With("module", "scheduler"),
		interval: cfg.Interval,
		workers:  cfg.Workers,
	}, nil
}

// Run makes a pass immediately and then on every tick until ctx is done.
// A tick that fires while a pass is still running is dropped.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info(ctx, "scheduler started", "interval", s.interval, "workers", s.workers)
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.Pass(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error(ctx, "pass failed", "error", err)
	}
}

// Pass runs every user once, at most Workers at a time, and returns the
// results ordered by user. Cancelling ctx stops handing out users; runs
// already started finish their own cancellation.
func (s *Scheduler) Pass(ctx context.Context) ([]Result, error) {
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	tasks := make(chan string)
	results := make(chan Result, len(users))

	var wg sync.WaitGroup
	for range min(s.workers, len(users)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for userID := range tasks {
				run, err := s.runner.Run(ctx, userID)
				results <- Result{UserID: userID, Run: run, Err: err}
			}
		}()
	}

feed:
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		select {
		case tasks <- userID:
		case <-ctx.Done():
			break feed
		}
	}
	close(tasks)
	wg.Wait()
	close(results)

	out := make([]Result, 0, len(users))
	for r := range results {
		s.report(ctx, r)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })

	s.logger.Info(ctx, "pass finished", "users", len(users), "runs", len(out))
	return out, nil
}

// Trigger runs userID now, outside the schedule. A run already in progress
// for the user is reported as common.ErrRunInProgress.
func (s *Scheduler) Trigger(ctx context.Context, userID string) (*models.SyncRun, error) {
	run, err := s.runner.Run(ctx, userID)
	s.report(ctx, Result{UserID: userID, Run: run, Err: err})
	return run, err
}

func (s *Scheduler) report(ctx context.Context, r Result) {
	switch {
	case errors.Is(r.Err, common.ErrRunInProgress):
		s.logger.Info(ctx, "run skipped, already in progress", "user_id", r.UserID)
	case r.Err != nil:
		s.logger.Error(ctx, "run failed", "user_id", r.UserID, "error", r.Err)
	case r.Run != nil:
		s.logger.Info(ctx, "run done", "user_id", r.UserID, "run_id", r.Run.ID, "status", r.Run.Status)
	}
}
