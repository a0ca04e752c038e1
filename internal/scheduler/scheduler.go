// Package scheduler implements the cron-style project scheduler (C9):
// at startup it loads every enabled project with a non-empty schedule,
// registers one robfig/cron entry per project, and on each fire
// dispatches a run command as if a user had issued it, enforcing at
// most one concurrent instance per project.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"crawlpipe/internal/model"
	"crawlpipe/internal/pubsub"
	"crawlpipe/internal/storage"
	"crawlpipe/pkg/logger"
	"crawlpipe/pkg/metrics"
)

// Spec is the schedule JSON shape stored on spider_projects.schedule,
// per spec §4.8's schedule-kind table.
type Spec struct {
	Type     string `json:"type"`
	Interval int    `json:"interval,omitempty"`
	Time     string `json:"time,omitempty"` // "HH:MM"
	Days     []int  `json:"days,omitempty"` // 0=Sunday..6=Saturday
	Dates    []int  `json:"dates,omitempty"`
}

// CronExpr translates Spec into a robfig/cron schedule string.
func (s Spec) CronExpr() (string, error) {
	switch s.Type {
	case "interval_minutes":
		if s.Interval <= 0 {
			return "", fmt.Errorf("scheduler: interval_minutes requires a positive interval")
		}
		return fmt.Sprintf("@every %dm", s.Interval), nil

	case "interval_hours":
		if s.Interval <= 0 {
			return "", fmt.Errorf("scheduler: interval_hours requires a positive interval")
		}
		return fmt.Sprintf("@every %dh", s.Interval), nil

	case "daily":
		hh, mm, err := parseHHMM(s.Time)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * *", mm, hh), nil

	case "weekly":
		hh, mm, err := parseHHMM(s.Time)
		if err != nil {
			return "", err
		}
		if len(s.Days) == 0 {
			return "", fmt.Errorf("scheduler: weekly schedule requires days")
		}
		return fmt.Sprintf("%d %d * * %s", mm, hh, joinInts(s.Days)), nil

	case "monthly":
		hh, mm, err := parseHHMM(s.Time)
		if err != nil {
			return "", err
		}
		if len(s.Dates) == 0 {
			return "", fmt.Errorf("scheduler: monthly schedule requires dates")
		}
		return fmt.Sprintf("%d %d %s * *", mm, hh, joinInts(s.Dates)), nil

	default:
		return "", fmt.Errorf("scheduler: unknown schedule type %q", s.Type)
	}
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("scheduler: invalid time %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("scheduler: invalid hour in %q: %w", s, err)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("scheduler: invalid minute in %q: %w", s, err)
	}
	return hour, minute, nil
}

func joinInts(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// job tracks one project's registration so update/remove can find it
// and so the fire handler can enforce max_instances=1.
type job struct {
	projectID int64
	entryID   cron.EntryID

	mu      sync.Mutex
	running bool
}

// Scheduler owns the cron instance and the per-project job registry.
type Scheduler struct {
	cron            *cron.Cron
	store           *storage.Store
	bus             *pubsub.Bus
	commandsChannel string

	mu   sync.Mutex
	jobs map[int64]*job
}

// New builds a Scheduler that dispatches run commands on commandsChannel.
func New(store *storage.Store, bus *pubsub.Bus, commandsChannel string) *Scheduler {
	return &Scheduler{
		cron:            cron.New(),
		store:           store,
		bus:             bus,
		commandsChannel: commandsChannel,
		jobs:            make(map[int64]*job),
	}
}

// Start loads every enabled, scheduled project and begins firing jobs.
// It does not block.
func (s *Scheduler) Start(ctx context.Context) error {
	projects, err := s.store.ListEnabledProjects()
	if err != nil {
		return fmt.Errorf("scheduler: load enabled projects: %w", err)
	}

	for _, p := range projects {
		if err := s.UpdateSchedule(ctx, p.ID, p.Schedule, true); err != nil {
			logger.Get().WithField("project_id", p.ID).WithError(err).Warn("scheduler: failed to register project schedule")
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron loop. Already-dispatched runs are not cancelled;
// that's the listener's job.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// UpdateSchedule (re)registers projectID's cron entry from scheduleJSON.
// Passing enabled=false or an empty scheduleJSON removes any existing
// entry without adding a new one.
func (s *Scheduler) UpdateSchedule(ctx context.Context, projectID int64, scheduleJSON string, enabled bool) error {
	s.RemoveSchedule(projectID)

	if !enabled || scheduleJSON == "" {
		return nil
	}

	var spec Spec
	if err := json.Unmarshal([]byte(scheduleJSON), &spec); err != nil {
		return fmt.Errorf("scheduler: parse schedule for project %d: %w", projectID, err)
	}

	cronExpr, err := spec.CronExpr()
	if err != nil {
		return fmt.Errorf("scheduler: project %d: %w", projectID, err)
	}

	j := &job{projectID: projectID}
	entryID, err := s.cron.AddFunc(cronExpr, func() { s.fire(context.Background(), j) })
	if err != nil {
		return fmt.Errorf("scheduler: register cron entry for project %d: %w", projectID, err)
	}
	j.entryID = entryID

	s.mu.Lock()
	s.jobs[projectID] = j
	s.mu.Unlock()

	return nil
}

// RemoveSchedule unregisters projectID's cron entry, if any.
func (s *Scheduler) RemoveSchedule(projectID int64) {
	s.mu.Lock()
	j, ok := s.jobs[projectID]
	if ok {
		delete(s.jobs, projectID)
	}
	s.mu.Unlock()

	if ok {
		s.cron.Remove(j.entryID)
	}
}

// fire runs spec §4.8's dispatch sequence: load the row, skip if
// disabled or already running, else mark it running and dispatch a run
// command as if a user had issued it.
func (s *Scheduler) fire(ctx context.Context, j *job) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		logger.Get().WithField("project_id", j.projectID).Debug("scheduler: skip, instance already running")
		return
	}
	j.running = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	project, err := s.store.GetProject(j.projectID)
	if err != nil {
		logger.Get().WithField("project_id", j.projectID).WithError(err).Warn("scheduler: load project failed")
		metrics.SchedulerFires.WithLabelValues("error").Inc()
		return
	}
	if !project.Enabled {
		metrics.SchedulerFires.WithLabelValues("skipped_disabled").Inc()
		logger.Get().WithField("project_id", j.projectID).Debug("scheduler: skip, disabled or already running")
		return
	}
	if project.Status == model.ProjectStatusRunning {
		metrics.SchedulerFires.WithLabelValues("skipped_running").Inc()
		logger.Get().WithField("project_id", j.projectID).Debug("scheduler: skip, disabled or already running")
		return
	}

	if err := s.store.SetProjectStatus(j.projectID, model.ProjectStatusRunning); err != nil {
		logger.Get().WithField("project_id", j.projectID).WithError(err).Warn("scheduler: mark running failed")
		metrics.SchedulerFires.WithLabelValues("error").Inc()
		if markErr := s.store.SetProjectStatus(j.projectID, model.ProjectStatusError); markErr != nil {
			logger.Get().WithError(markErr).Warn("scheduler: mark error after failed mark-running also failed")
		}
		return
	}

	if err := s.bus.Publish(ctx, s.commandsChannel, pubsub.Command{Action: "run", ProjectID: j.projectID}); err != nil {
		logger.Get().WithField("project_id", j.projectID).WithError(err).Warn("scheduler: dispatch run command failed")
		metrics.SchedulerFires.WithLabelValues("error").Inc()
		return
	}
	metrics.SchedulerFires.WithLabelValues("dispatched").Inc()
}
