package scheduler

import (
	"context"
	"errors"
	"time"

	"plotbot/internal/eventbus"
	logx "plotbot/pkg/logx"
)

const skipWarnThrottle = time.Minute

// trigger starts one run of d unless the previous run is still in flight.
func (s *Service) trigger(d scheduleDef) {
	if !d.state.running.CompareAndSwap(false, true) {
		d.state.skips.Add(1)
		s.reportSkip(d.name)
		return
	}
	if s.sup == nil || s.sup.Context().Err() != nil {
		d.state.running.Store(false)
		return
	}
	s.sup.Go("schedule:"+d.name, func(ctx context.Context) error {
		defer d.state.running.Store(false)
		s.run(ctx, d)
		return nil
	})
}

// RunNow runs the named schedule once, outside its trigger, and waits for it.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var (
		d     scheduleDef
		found bool
	)
	for _, def := range s.defs {
		if def.name == name {
			d, found = def, true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return errors.New("unknown schedule: " + name)
	}
	if !d.state.running.CompareAndSwap(false, true) {
		return errors.New("schedule already running: " + name)
	}
	defer d.state.running.Store(false)
	return s.run(ctx, d)
}

func (s *Service) run(ctx context.Context, d scheduleDef) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	d.state.runs.Add(1)
	s.log.Debug("schedule run started", logx.String("schedule", d.name))
	err := d.job(ctx)
	took := time.Since(start)

	d.state.mu.Lock()
	d.state.lastAt = start
	d.state.lastDur = took
	d.state.lastErr = ""
	if err != nil {
		d.state.lastErr = err.Error()
	}
	d.state.mu.Unlock()

	ev := RunEvent{Schedule: d.name, Duration: took}
	switch {
	case err == nil:
		s.log.Info("schedule run finished", logx.String("schedule", d.name), logx.Duration("took", took))
	case errors.Is(err, context.Canceled):
		ev.Err = err.Error()
		s.log.Info("schedule run cancelled", logx.String("schedule", d.name), logx.Duration("took", took))
	default:
		ev.Err = err.Error()
		s.log.Error("schedule run failed", logx.String("schedule", d.name), logx.Duration("took", took), logx.Err(err))
	}
	eventbus.Publish(s.bus, eventbus.ScheduleRan, ev)
	return err
}

// reportSkip logs overlapping triggers, throttled per schedule. A render can
// legitimately outlast several reply polls.
func (s *Service) reportSkip(name string) {
	eventbus.Publish(s.bus, eventbus.ScheduleSkipped, name)

	now := time.Now()
	s.skipMu.Lock()
	last := s.lastSkipWarn[name]
	warn := last.IsZero() || now.Sub(last) >= skipWarnThrottle
	if warn {
		s.lastSkipWarn[name] = now
	}
	s.skipMu.Unlock()

	if warn {
		s.log.Info("schedule trigger skipped; previous run still in flight", logx.String("schedule", name))
	} else {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name))
	}
}
