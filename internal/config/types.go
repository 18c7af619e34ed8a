package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mcuadros/go-defaults"
)

// Config is the whole plotbot configuration file.
//
// Durations are Go duration strings ("300s", "20m", "1h"). Zero values are
// filled from the `default` tags before validation.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Social    SocialConfig    `json:"social"`
	Render    RenderConfig    `json:"render"`
	Post      PostConfig      `json:"post"`
	Reply     ReplyConfig     `json:"reply"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Telegram  TelegramConfig  `json:"telegram"`
	Debug     DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level    string          `json:"level" default:"info" validate:"oneof=trace debug info warn warning error"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingTelegram forwards log lines at or above MinLevel to the operator
// chat configured under telegram.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level" default:"warn" validate:"oneof=debug info warn warning error"`
	RatePerSec int    `json:"rate_per_sec" default:"1" validate:"gte=0"`
}

// SocialConfig configures the platform client.
//
// Credentials are supplied, never acquired. Each of them may be overridden
// from the environment (see ApplyEnv).
type SocialConfig struct {
	Credentials    CredentialsConfig `json:"credentials"`
	UploadURL      string            `json:"upload_url,omitempty" validate:"omitempty,url"`
	APIBase        string            `json:"api_base,omitempty" validate:"omitempty,url"`
	ScreenName     string            `json:"screen_name,omitempty"`
	RequestTimeout string            `json:"request_timeout" default:"2m"`
	RatePerSec     float64           `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst          int               `json:"burst,omitempty" validate:"gte=0"`

	// RetryDelay is the fixed wait between attempts of a remote call.
	RetryDelay string `json:"retry_delay" default:"300s"`
	// RetryMaxAttempts bounds retries; 0 retries until the call succeeds.
	RetryMaxAttempts int `json:"retry_max_attempts,omitempty" validate:"gte=0"`
}

type CredentialsConfig struct {
	ConsumerKey    string `json:"consumer_key" validate:"required"`
	ConsumerSecret string `json:"consumer_secret" validate:"required"`
	AccessToken    string `json:"access_token" validate:"required"`
	AccessSecret   string `json:"access_secret" validate:"required"`
}

// RenderConfig configures the external plot renderer and the task runner
// that isolates it.
type RenderConfig struct {
	// Command is the renderer argv. It runs inside the task work directory.
	Command []string          `json:"command" validate:"min=1,dive,required"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`

	Timeout      string `json:"timeout" default:"20m"`
	ReplyTimeout string `json:"reply_timeout" default:"10m"`
	ResultGrace  string `json:"result_grace" default:"500ms"`

	// MaxAttempts bounds fresh render attempts after a timeout in the post
	// cycle; 0 keeps trying until shutdown.
	MaxAttempts int  `json:"max_attempts,omitempty" validate:"gte=0"`
	Testing     bool `json:"testing,omitempty"`
}

type PostConfig struct {
	// Choices is the pool of plot kinds picked from at random.
	Choices         []string `json:"choices,omitempty" validate:"dive,required"`
	CaptionTemplate string   `json:"caption_template,omitempty"`
	Link            string   `json:"link,omitempty"`
	CaptionLimit    int      `json:"caption_limit" default:"280" validate:"gte=20"`
	// Jitter is the upper bound of a random delay between upload and post.
	Jitter string `json:"jitter" default:"0s"`
	DryRun bool   `json:"dry_run,omitempty"`
}

type ReplyConfig struct {
	Hashtag     string `json:"hashtag" default:"#battbot" validate:"startswith=#"`
	Choice      string `json:"choice" default:"model comparison"`
	MaxMentions int    `json:"max_mentions" default:"50" validate:"gte=1,lte=200"`
	// TimeoutMessage may contain {minutes}.
	TimeoutMessage string `json:"timeout_message" default:"Sorry, the simulation took more than {minutes} minutes and hence, it was cancelled."`
	// FailedMessage may contain {error}.
	FailedMessage string `json:"failed_message" default:"{error}"`
	// ProcessingFailedMessage is sent when the platform rejects the media.
	ProcessingFailedMessage string `json:"processing_failed_message" default:"Sorry, the plot could not be processed. Please try again later."`
}

// SchedulerConfig controls the triggers of the bot cycles.
//
// Specs accept cron ("0 */6 * * *", "@hourly", "@every 60s"), HH:MM intervals
// ("06:00") and Go durations ("6h"). The value "off" disables the trigger.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	Post     string `json:"post" default:"@every 6h"`
	Reply    string `json:"reply" default:"@every 60s"`
	Sync     string `json:"sync,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/plotbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver" default:"file" validate:"oneof=none file sqlite sqlite3"`
	Path        string `json:"path" default:"./data/plotbot.json"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// DebugConfig enables the pprof/status HTTP server of `run`. A non-loopback
// addr requires a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr" default:"127.0.0.1:6060" validate:"hostname_port"`
	Token   string `json:"token,omitempty"`
}

// Durations holds every duration field of a Config, parsed.
type Durations struct {
	RequestTimeout time.Duration
	RetryDelay     time.Duration
	RenderTimeout  time.Duration
	ReplyTimeout   time.Duration
	ResultGrace    time.Duration
	Jitter         time.Duration
	BusyTimeout    time.Duration
}

// Env variables that override credentials.
const (
	EnvConsumerKey    = "PLOTBOT_CONSUMER_KEY"
	EnvConsumerSecret = "PLOTBOT_CONSUMER_SECRET"
	EnvAccessToken    = "PLOTBOT_ACCESS_TOKEN"
	EnvAccessSecret   = "PLOTBOT_ACCESS_SECRET"
	EnvTelegramToken  = "PLOTBOT_TELEGRAM_TOKEN"
)

var validate = validator.New()

// Finalize applies environment overrides and defaults, then validates.
// Parse calls it on every load.
func (c *Config) Finalize() error {
	c.ApplyEnv(os.LookupEnv)
	defaults.SetDefaults(c)
	return c.Validate()
}

// ApplyEnv overrides secrets with non-empty environment values.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&c.Social.Credentials.ConsumerKey, EnvConsumerKey)
	set(&c.Social.Credentials.ConsumerSecret, EnvConsumerSecret)
	set(&c.Social.Credentials.AccessToken, EnvAccessToken)
	set(&c.Social.Credentials.AccessSecret, EnvAccessSecret)
	set(&c.Telegram.Token, EnvTelegramToken)
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if _, err := c.Durations(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Logging.Telegram.Enabled && (strings.TrimSpace(c.Telegram.Token) == "" || c.Telegram.ChatID == 0) {
		return errors.New("invalid config: logging.telegram requires telegram.token and telegram.chat_id")
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("invalid config: scheduler.timezone: %w", err)
		}
	}
	return nil
}

// Durations parses all duration fields. Missing values fall back to the
// same defaults the `default` tags carry.
func (c *Config) Durations() (Durations, error) {
	var (
		d   Durations
		err error
	)
	fields := []struct {
		dst  *time.Duration
		path string
		raw  string
		def  time.Duration
	}{
		{&d.RequestTimeout, "social.request_timeout", c.Social.RequestTimeout, 2 * time.Minute},
		{&d.RetryDelay, "social.retry_delay", c.Social.RetryDelay, 300 * time.Second},
		{&d.RenderTimeout, "render.timeout", c.Render.Timeout, 20 * time.Minute},
		{&d.ReplyTimeout, "render.reply_timeout", c.Render.ReplyTimeout, 10 * time.Minute},
		{&d.ResultGrace, "render.result_grace", c.Render.ResultGrace, 500 * time.Millisecond},
		{&d.Jitter, "post.jitter", c.Post.Jitter, 0},
		{&d.BusyTimeout, "storage.busy_timeout", c.Storage.BusyTimeout, 0},
	}
	for _, f := range fields {
		if *f.dst, err = ParseDurationOrDefault(f.path, f.raw, f.def); err != nil {
			return Durations{}, err
		}
	}
	return d, nil
}
