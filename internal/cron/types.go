package cron

import (
	"time"

	"github.com/coopco/sessiond/internal/dispatch"
)

// ScheduleType defines how a scheduled batch is triggered.
type ScheduleType string

const (
	ScheduleAt    ScheduleType = "at"    // daily at a time of day (e.g. "14:30")
	ScheduleEvery ScheduleType = "every" // interval (e.g. "30m", "2h")
	ScheduleCron  ScheduleType = "cron"  // cron expression (e.g. "0 */2 * * *")
)

type Schedule struct {
	Type       ScheduleType `json:"type"`
	Expression string       `json:"expression"`
}

// Job sends Batch every time Schedule fires.
type Job struct {
	ID        string         `json:"id"`
	Schedule  Schedule       `json:"schedule"`
	Batch     dispatch.Batch `json:"batch"`
	CreatedAt time.Time      `json:"createdAt"`
	LastRun   *Run           `json:"lastRun,omitempty"`
}

// Run summarises the latest execution of a job.
type Run struct {
	At     time.Time `json:"at"`
	Sent   int       `json:"sent"`
	Failed int       `json:"failed"`
	Error  string    `json:"error,omitempty"`
}

// Store is the on-disk JSON layout.
type Store struct {
	Jobs []Job `json:"jobs"`
}
