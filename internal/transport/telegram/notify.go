package telegram

import (
	"context"
	"fmt"
	"time"

	"plotbot/internal/eventbus"
	"plotbot/internal/social"
	"plotbot/internal/task/runner"
	logx "plotbot/pkg/logx"
)

// Forward relays pipeline events from bus to the chat until ctx ends.
// Sends are best-effort; failures are logged at debug level so they never
// feed back into the alert sink.
func (a *Alerter) Forward(ctx context.Context, bus eventbus.Bus, format func(eventbus.Event) (string, bool)) error {
	if format == nil {
		format = FormatEvent
	}
	ch, unsub := bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			text, ok := format(e)
			if !ok {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := a.SendAlert(sendCtx, text); err != nil {
				a.log.Debug("notice not delivered", logx.String("event", e.Type), logx.Err(err))
			}
			cancel()
		}
	}
}

// FormatEvent renders the operator notices: published posts and replies,
// render timeouts and failed cycles. Other events are dropped.
func FormatEvent(e eventbus.Event) (string, bool) {
	switch e.Type {
	case eventbus.PostPublished, eventbus.ReplyPublished:
		t, ok := e.Data.(social.Tweet)
		if !ok {
			return "", false
		}
		verb := "posted"
		if e.Type == eventbus.ReplyPublished {
			verb = "replied"
		}
		return fmt.Sprintf("%s %s\n%s", verb, t.ID, truncate(t.Body(), 280)), true
	case eventbus.TaskTimedOut:
		ev, ok := e.Data.(runner.TaskEvent)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("render %s killed after %s", ev.ID, ev.Duration.Round(time.Second)), true
	case eventbus.CycleFailed:
		f, ok := e.Data.(eventbus.Failure)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("%s cycle failed: %s", f.Cycle, f.Err), true
	default:
		return "", false
	}
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
