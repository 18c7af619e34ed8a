package config

import (
	"reflect"
	"strings"

	logx "plotbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (credentials, tokens) are never
// included; only whether they changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	o, n := oldCfg.Social, newCfg.Social
	credsChanged := o.Credentials != n.Credentials
	o.Credentials, n.Credentials = CredentialsConfig{}, CredentialsConfig{}
	if credsChanged || o != n {
		changed = append(changed, "social")
		attrs = append(attrs,
			logx.Bool("social.credentials_changed", credsChanged),
			logx.String("social.screen_name", n.ScreenName),
			logx.String("social.retry_delay", strings.TrimSpace(n.RetryDelay)),
			logx.Int("social.retry_max_attempts", n.RetryMaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Render, newCfg.Render) {
		changed = append(changed, "render")
		attrs = append(attrs,
			logx.String("render.command", strings.Join(newCfg.Render.Command, " ")),
			logx.String("render.timeout", strings.TrimSpace(newCfg.Render.Timeout)),
			logx.String("render.reply_timeout", strings.TrimSpace(newCfg.Render.ReplyTimeout)),
			logx.Int("render.max_attempts", newCfg.Render.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Post, newCfg.Post) {
		changed = append(changed, "post")
		attrs = append(attrs,
			logx.Int("post.choices", len(newCfg.Post.Choices)),
			logx.Bool("post.dry_run", newCfg.Post.DryRun),
			logx.String("post.jitter", strings.TrimSpace(newCfg.Post.Jitter)),
		)
	}

	if oldCfg.Reply != newCfg.Reply {
		changed = append(changed, "reply")
		attrs = append(attrs,
			logx.String("reply.hashtag", newCfg.Reply.Hashtag),
			logx.Int("reply.max_mentions", newCfg.Reply.MaxMentions),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.post", newCfg.Scheduler.Post),
			logx.String("scheduler.reply", newCfg.Scheduler.Reply),
			logx.String("scheduler.sync", newCfg.Scheduler.Sync),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
		)
	}

	return changed, attrs
}

// RestartRequired reports sections that only take effect on restart. The
// platform client, the store and the alert transport are built once.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "social", "storage", "telegram", "debug":
			out = append(out, s)
		}
	}
	return out
}
