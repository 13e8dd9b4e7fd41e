package journal

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Janitor prunes the journal on a cron schedule.
type Janitor struct {
	journal   *Journal
	retention time.Duration
	schedule  string
	cron      *cron.Cron
	now       func() time.Time
}

// NewJanitor creates a janitor that removes sessions closed longer than
// retention ago, every time schedule fires.
func NewJanitor(j *Journal, schedule string, retention time.Duration) *Janitor {
	return &Janitor{
		journal:   j,
		retention: retention,
		schedule:  schedule,
		cron:      cron.New(cron.WithParser(cronParser)),
		now:       time.Now,
	}
}

// Start validates the schedule and starts the cron ticker.
func (jn *Janitor) Start() error {
	if _, err := jn.cron.AddFunc(jn.schedule, jn.Sweep); err != nil {
		return fmt.Errorf("invalid journal schedule %q: %w", jn.schedule, err)
	}
	jn.cron.Start()
	slog.Info("journal janitor started", "schedule", jn.schedule, "retention", jn.retention)
	return nil
}

// Sweep runs one prune pass.
func (jn *Janitor) Sweep() {
	n, err := jn.journal.Prune(jn.now().Add(-jn.retention))
	if err != nil {
		slog.Error("journal prune failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("journal pruned", "sessions", n)
	}
}

// Stop stops the cron ticker and waits for a running sweep.
func (jn *Janitor) Stop() {
	<-jn.cron.Stop().Done()
}
