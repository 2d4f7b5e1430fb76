// Package scheduler runs named recurring jobs. Schedule expressions use the
// rate(...) and cron(...) forms familiar from cloud schedulers and are
// translated to the underlying cron library's syntax.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Handler receives a job when it fires.
type Handler func(ctx context.Context, name string, payload map[string]interface{})

// JobInfo describes one registered job.
type JobInfo struct {
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	Next       time.Time `json:"next"`
}

// Scheduler owns the cron runner and the job name index. Registering a name
// twice replaces the earlier job.
type Scheduler struct {
	cron    *cron.Cron
	handler Handler
	logger  *slog.Logger

	mu   sync.Mutex
	jobs map[string]jobEntry
}

type jobEntry struct {
	id         cron.EntryID
	expression string
}

// New creates a scheduler that dispatches fired jobs to handler.
func New(handler Handler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(),
		handler: handler,
		logger:  logger,
		jobs:    make(map[string]jobEntry),
	}
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts firing and waits for running jobs or context expiry.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// RegisterRecurringJob schedules a named job. The expression is either
// rate(N minutes|hours|days) or cron(min hour dom month dow [year]).
func (s *Scheduler) RegisterRecurringJob(name, expression string, payload map[string]interface{}) error {
	spec, err := TranslateExpression(expression)
	if err != nil {
		return fmt.Errorf("register job %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.jobs[name]; ok {
		s.cron.Remove(prior.id)
	}

	id, err := s.cron.AddFunc(spec, func() {
		s.logger.Info("job fired", "job", name)
		s.handler(context.Background(), name, payload)
	})
	if err != nil {
		return fmt.Errorf("register job %q: %w", name, err)
	}

	s.jobs[name] = jobEntry{id: id, expression: expression}
	s.logger.Info("job registered", "job", name, "expression", expression, "spec", spec)
	return nil
}

// RemoveJob unregisters a job by name.
func (s *Scheduler) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(entry.id)
	delete(s.jobs, name)
	return true
}

// Jobs lists the registered jobs with their next fire time.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for name, entry := range s.jobs {
		info := JobInfo{Name: name, Expression: entry.expression}
		if e := s.cron.Entry(entry.id); e.ID == entry.id {
			info.Next = e.Next
		}
		out = append(out, info)
	}
	return out
}

// TranslateExpression converts a rate(...) or cron(...) expression into the
// spec syntax the cron runner understands.
func TranslateExpression(expression string) (string, error) {
	expr := strings.TrimSpace(expression)
	switch {
	case strings.HasPrefix(expr, "rate(") && strings.HasSuffix(expr, ")"):
		return translateRate(expr[len("rate(") : len(expr)-1])
	case strings.HasPrefix(expr, "cron(") && strings.HasSuffix(expr, ")"):
		return translateCron(expr[len("cron(") : len(expr)-1])
	default:
		return "", fmt.Errorf("unsupported schedule expression %q", expression)
	}
}

func translateRate(body string) (string, error) {
	parts := strings.Fields(body)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed rate expression %q", body)
	}

	n, err := strconv.Atoi(parts[0])
	if err != nil || n <= 0 {
		return "", fmt.Errorf("malformed rate value %q", parts[0])
	}

	unit := strings.TrimSuffix(parts[1], "s")
	var d time.Duration
	switch unit {
	case "minute":
		d = time.Duration(n) * time.Minute
	case "hour":
		d = time.Duration(n) * time.Hour
	case "day":
		d = time.Duration(n) * 24 * time.Hour
	default:
		return "", fmt.Errorf("unsupported rate unit %q", parts[1])
	}

	return "@every " + d.String(), nil
}

// translateCron maps the six-field cloud form (minute hour day-of-month
// month day-of-week year) onto the runner's five fields. The year field is
// dropped; "?" placeholders become "*".
func translateCron(body string) (string, error) {
	fields := strings.Fields(body)
	switch len(fields) {
	case 5:
	case 6:
		fields = fields[:5]
	default:
		return "", fmt.Errorf("cron expression needs 5 or 6 fields, got %d", len(fields))
	}

	for i, f := range fields {
		if f == "?" {
			fields[i] = "*"
		}
	}
	return strings.Join(fields, " "), nil
}
