// Package crontrigger implements spec.md §4.3: a per-rule schedule
// evaluator with a persisted last-fired timestamp that survives restart.
package crontrigger

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ashworth-labs/conductor/internal/statefile"
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// SanitizeName converts a trigger name into the filesystem-safe fragment
// used for its per-trigger state file: "cron-<sanitized-name>.json" per
// spec.md §6.
func SanitizeName(name string) string {
	s := nonAlnum.ReplaceAllString(name, "-")
	return strings.Trim(strings.ToLower(s), "-")
}

type stateDoc struct {
	LastFiredAt *time.Time `json:"lastFiredAt"`
}

// Trigger evaluates one cron schedule against a persisted lastFiredAt.
type Trigger struct {
	name      string
	schedule  cron.Schedule
	stateFile string
	now       func() time.Time
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithClock overrides the trigger's notion of "now" for testing.
func WithClock(now func() time.Time) Option {
	return func(t *Trigger) { t.now = now }
}

// standardParser accepts the conventional 5-field cron format (minute hour
// dom month dow), matching spec.md §3's TriggerConfig.schedule.
var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// New parses scheduleExpr and builds a Trigger persisting fired-state to
// stateFile. An unparseable schedule is a configuration error per spec.md
// §7 and is returned immediately.
func New(name, scheduleExpr, stateFile string, opts ...Option) (*Trigger, error) {
	schedule, err := standardParser.Parse(scheduleExpr)
	if err != nil {
		return nil, fmt.Errorf("parse cron schedule %q for trigger %q: %w", scheduleExpr, name, err)
	}
	t := &Trigger{
		name:      name,
		schedule:  schedule,
		stateFile: stateFile,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Name returns the trigger's configured name.
func (t *Trigger) Name() string { return t.name }

// LoadState reads the persisted lastFiredAt, nil if never fired.
func (t *Trigger) LoadState() (*time.Time, error) {
	var doc stateDoc
	err := statefile.ReadJSON(t.stateFile, &doc)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cron state for %q: %w", t.name, err)
	}
	return doc.LastFiredAt, nil
}

// IsDue computes, from the cron schedule, the next scheduled moment
// strictly after max(lastFiredAt, now-1min) and returns true iff that
// moment is at or before now. A freshly-constructed trigger with no
// persisted state therefore fires once at startup if its schedule passed
// within the last minute, then resumes normal cadence.
func (t *Trigger) IsDue() (bool, error) {
	lastFired, err := t.LoadState()
	if err != nil {
		return false, err
	}

	now := t.now()
	floor := now.Add(-time.Minute)
	if lastFired != nil && lastFired.After(floor) {
		floor = *lastFired
	}

	next := t.schedule.Next(floor)
	return !next.After(now), nil
}

// MarkFired stamps lastFiredAt = now and persists it. Persistence failure
// is returned to the caller, who per spec.md §4.3 logs it as non-fatal
// rather than failing the tick.
func (t *Trigger) MarkFired() error {
	now := t.now()
	doc := stateDoc{LastFiredAt: &now}
	return statefile.WithLocked(t.stateFile, func() error {
		return statefile.WriteJSONAtomic(t.stateFile, &doc)
	})
}
