package app

import (
	"fmt"
	"sort"
	"strings"

	"plotbot/internal/bot"
	"plotbot/internal/config"
	"plotbot/internal/plot"
	"plotbot/internal/retry"
	"plotbot/internal/social"
	"plotbot/internal/storage"
	"plotbot/internal/task/runner"
	"plotbot/internal/task/scheduler"
	"plotbot/internal/transport/telegram"
	logx "plotbot/pkg/logx"
)

// Schedule names.
const (
	SchedulePost  = "post"
	ScheduleReply = "reply"
	ScheduleSync  = "sync"
)

type scheduleSpec struct {
	name string
	spec string
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapSocial(cfg *config.Config, d config.Durations) (social.Config, retry.Policy) {
	sc := cfg.Social
	client := social.Config{
		UploadURL:      sc.UploadURL,
		APIBase:        sc.APIBase,
		RatePerSec:     sc.RatePerSec,
		Burst:          sc.Burst,
		RequestTimeout: d.RequestTimeout,
		Credentials: social.Credentials{
			ConsumerKey:    sc.Credentials.ConsumerKey,
			ConsumerSecret: sc.Credentials.ConsumerSecret,
			AccessToken:    sc.Credentials.AccessToken,
			AccessSecret:   sc.Credentials.AccessSecret,
		},
	}
	policy := retry.Policy{
		Delay:       d.RetryDelay,
		MaxAttempts: sc.RetryMaxAttempts,
		Retryable:   retry.NonSuccess,
	}
	return client, policy
}

func mapRunner(cfg *config.Config, d config.Durations) runner.Config {
	return runner.Config{
		WorkDir:        strings.TrimSpace(cfg.Render.WorkDir),
		DefaultTimeout: d.RenderTimeout,
		ResultGrace:    d.ResultGrace,
		LogLevel:       cfg.Logging.Level,
	}
}

// mapStorage returns the store config; enabled is false for driver "none".
func mapStorage(cfg *config.Config, d config.Durations) (sc storage.Config, enabled bool) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: d.BusyTimeout,
	}, true
}

// mapAlerter returns the Telegram target; ok is false when none is set.
func mapAlerter(cfg *config.Config) (tc telegram.Config, ok bool) {
	t := cfg.Telegram
	if strings.TrimSpace(t.Token) == "" || t.ChatID == 0 {
		return telegram.Config{}, false
	}
	return telegram.Config{Token: strings.TrimSpace(t.Token), ChatID: t.ChatID, ThreadID: t.ThreadID}, true
}

func mapSettings(cfg *config.Config, d config.Durations) (bot.Settings, error) {
	captioner, err := plot.NewCaptioner(cfg.Post.CaptionTemplate, cfg.Post.Link, cfg.Post.CaptionLimit)
	if err != nil {
		return bot.Settings{}, fmt.Errorf("post.caption_template: %w", err)
	}
	return bot.Settings{
		Command: append([]string(nil), cfg.Render.Command...),
		Env:     envList(cfg.Render.Env),
		Testing: cfg.Render.Testing,

		RenderTimeout: d.RenderTimeout,
		ReplyTimeout:  d.ReplyTimeout,
		MaxAttempts:   cfg.Render.MaxAttempts,

		Choices:   append([]string(nil), cfg.Post.Choices...),
		Captioner: captioner,
		Jitter:    d.Jitter,
		DryRun:    cfg.Post.DryRun,

		ScreenName:              strings.TrimPrefix(strings.TrimSpace(cfg.Social.ScreenName), "@"),
		Hashtag:                 cfg.Reply.Hashtag,
		ReplyChoice:             cfg.Reply.Choice,
		MaxMentions:             cfg.Reply.MaxMentions,
		TimeoutMessage:          cfg.Reply.TimeoutMessage,
		FailedMessage:           cfg.Reply.FailedMessage,
		ProcessingFailedMessage: cfg.Reply.ProcessingFailedMessage,
	}, nil
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

// mapSchedules lists every trigger; an empty spec means disabled.
func mapSchedules(cfg *config.Config) []scheduleSpec {
	return []scheduleSpec{
		{SchedulePost, specOrOff(cfg.Scheduler.Post)},
		{ScheduleReply, specOrOff(cfg.Scheduler.Reply)},
		{ScheduleSync, specOrOff(cfg.Scheduler.Sync)},
	}
}

func specOrOff(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "off") {
		return ""
	}
	return raw
}

// validate rejects reloads the components would refuse.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, s := range mapSchedules(cfg) {
		if s.spec == "" {
			continue
		}
		if _, err := scheduler.Normalize(s.spec); err != nil {
			return fmt.Errorf("scheduler.%s: %w", s.name, err)
		}
	}
	d, err := cfg.Durations()
	if err != nil {
		return err
	}
	_, err = mapSettings(cfg, d)
	return err
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
