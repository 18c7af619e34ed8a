package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"plotbot/internal/eventbus"
	"plotbot/internal/runtime/supervisor"
	logx "plotbot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/London"
}

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// runState tracks one schedule across triggers.
type runState struct {
	running atomic.Bool
	runs    atomic.Uint64
	skips   atomic.Uint64

	mu      sync.Mutex
	lastErr string
	lastAt  time.Time
	lastDur time.Duration
}

type scheduleDef struct {
	name          string
	spec          string // normalized cron spec or "@every <d>"
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	state         *runState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus
	sup *supervisor.Supervisor

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	skipMu       sync.Mutex
	lastSkipWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
	Running bool
	Runs    uint64
	Skips   uint64
	LastAt  time.Time
	LastDur time.Duration
	LastErr string
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}

// RunEvent is published on the bus after every scheduled run.
type RunEvent struct {
	Schedule string
	Duration time.Duration
	Err      string
}
