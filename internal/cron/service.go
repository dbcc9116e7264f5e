// Package cron sends batches on a schedule through the dispatcher, acting as
// the configured identity.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/coopco/sessiond/internal/access"
	"github.com/coopco/sessiond/internal/dispatch"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// Sender is implemented by *dispatch.Dispatcher.
type Sender interface {
	Send(ctx context.Context, caller access.Identity, batch dispatch.Batch) (dispatch.Report, error)
}

type Service struct {
	scheduler *robfigcron.Cron
	sender    Sender
	identity  access.Identity
	storePath string
	timeout   time.Duration

	mu      sync.Mutex
	entries map[string]robfigcron.EntryID
	jobs    map[string]*Job
	counter int
}

// NewService creates a scheduler. timeout bounds each scheduled Send.
func NewService(storePath string, sender Sender, identity access.Identity, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Service{
		scheduler: robfigcron.New(),
		sender:    sender,
		identity:  identity,
		storePath: storePath,
		timeout:   timeout,
		entries:   make(map[string]robfigcron.EntryID),
		jobs:      make(map[string]*Job),
	}
}

// Start begins the cron scheduler.
func (s *Service) Start() {
	s.scheduler.Start()
}

// Stop stops the scheduler and waits for running jobs.
func (s *Service) Stop() {
	<-s.scheduler.Stop().Done()
}

// AddJob validates and registers a job. Returns the job ID.
func (s *Service) AddJob(schedule Schedule, batch dispatch.Batch) (string, error) {
	if strings.TrimSpace(batch.Recipient) == "" {
		return "", dispatch.ErrNoRecipient
	}
	if len(batch.Items) == 0 {
		return "", dispatch.ErrEmptyBatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := fmt.Sprintf("sched_%d", s.counter)
	job := &Job{ID: id, Schedule: schedule, Batch: batch, CreatedAt: time.Now().UTC()}
	if err := s.register(job); err != nil {
		return "", err
	}
	s.counter++

	if err := s.saveToDisk(); err != nil {
		slog.Warn("cron: failed to persist jobs", "error", err)
	}
	return id, nil
}

// register schedules job under its own ID. Caller must hold s.mu.
func (s *Service) register(job *Job) error {
	expr, err := toCronExpr(job.Schedule)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	id := job.ID
	entryID, err := s.scheduler.AddFunc(expr, func() { s.run(id) })
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	s.entries[id] = entryID
	s.jobs[id] = job
	return nil
}

func (s *Service) run(id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	var batch dispatch.Batch
	if ok {
		batch = job.Batch
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	report, err := s.sender.Send(ctx, s.identity, batch)

	r := &Run{At: time.Now().UTC(), Sent: report.Sent, Failed: report.Failed}
	if err != nil {
		r.Error = err.Error()
		slog.Warn("cron: scheduled batch not sent", "job", id, "error", err)
	} else {
		slog.Info("cron: scheduled batch sent", "job", id, "sent", report.Sent, "failed", report.Failed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.LastRun = r
		if err := s.saveToDisk(); err != nil {
			slog.Warn("cron: failed to persist run result", "job", id, "error", err)
		}
	}
}

// RemoveJob removes a job by ID.
func (s *Service) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, id)
	}

	s.scheduler.Remove(entryID)
	delete(s.entries, id)
	delete(s.jobs, id)

	if err := s.saveToDisk(); err != nil {
		slog.Warn("cron: failed to persist jobs after removal", "error", err)
	}
	return nil
}

// GetJob returns a copy of one job, with its next fire time.
func (s *Service) GetJob(id string) (Job, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, time.Time{}, fmt.Errorf("%w: %q", ErrJobNotFound, id)
	}
	return *job, s.scheduler.Entry(s.entries[id]).Next, nil
}

// ListJobs returns all jobs ordered by creation.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedJobs()
}

func (s *Service) sortedJobs() []Job {
	result := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		result = append(result, *job)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// LoadFromDisk restores persisted jobs under their original IDs.
func (s *Service) LoadFromDisk() error {
	data, err := os.ReadFile(s.storePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read schedule store: %w", err)
	}

	var store Store
	if err := json.Unmarshal(data, &store); err != nil {
		return fmt.Errorf("failed to parse schedule store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range store.Jobs {
		job := store.Jobs[i]
		if _, exists := s.jobs[job.ID]; exists || job.ID == "" {
			slog.Warn("cron: skipping duplicate or unnamed job", "id", job.ID)
			continue
		}
		if err := s.register(&job); err != nil {
			slog.Warn("cron: failed to restore job", "id", job.ID, "error", err)
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(job.ID, "sched_")); err == nil && n >= s.counter {
			s.counter = n + 1
		}
	}
	slog.Info("cron: jobs restored", "count", len(s.jobs))
	return nil
}

// saveToDisk writes the store atomically. Caller must hold s.mu.
func (s *Service) saveToDisk() error {
	data, err := json.MarshalIndent(Store{Jobs: s.sortedJobs()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schedule store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	tmp := s.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.storePath)
}

// toCronExpr converts a Schedule to a robfig/cron expression string.
func toCronExpr(schedule Schedule) (string, error) {
	switch schedule.Type {
	case ScheduleCron:
		if _, err := robfigcron.ParseStandard(schedule.Expression); err != nil {
			return "", fmt.Errorf("invalid cron expression %q: %w", schedule.Expression, err)
		}
		return schedule.Expression, nil
	case ScheduleEvery:
		d, err := time.ParseDuration(schedule.Expression)
		if err != nil {
			return "", fmt.Errorf("invalid duration %q: %w", schedule.Expression, err)
		}
		if d <= 0 {
			return "", fmt.Errorf("duration %q must be positive", schedule.Expression)
		}
		return fmt.Sprintf("@every %s", d), nil
	case ScheduleAt:
		var h, m int
		if _, err := fmt.Sscanf(schedule.Expression, "%d:%d", &h, &m); err != nil {
			return "", fmt.Errorf("invalid time %q, expected HH:MM: %w", schedule.Expression, err)
		}
		if h < 0 || h > 23 || m < 0 || m > 59 {
			return "", fmt.Errorf("time %q out of range", schedule.Expression)
		}
		return fmt.Sprintf("%d %d * * *", m, h), nil
	default:
		return "", fmt.Errorf("unknown schedule type %q", schedule.Type)
	}
}
