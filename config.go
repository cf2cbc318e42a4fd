package chatsync

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultAckTimeout        = 4 * time.Second
	DefaultTypingTimeout     = 6 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultTypingThrottle    = 2 * time.Second
	DefaultOutboxRetryLimit  = 5
	DefaultHistoryLimit      = 50
	DefaultHTTPTimeout       = 30 * time.Second
)

// Config configures a Session and the components it wires.
type Config struct {
	// BaseURL is the REST root, e.g. https://api.example.com/API.
	BaseURL string `validate:"required,url"`
	// PushURL is the WebSocket endpoint of the push channel.
	PushURL  string `validate:"required,url"`
	Passcode string

	AckTimeout     time.Duration `validate:"min=3s,max=5s"`
	TypingTimeout  time.Duration `validate:"min=5s,max=8s"`
	TypingThrottle time.Duration `validate:"min=0"`
	ConnectTimeout time.Duration `validate:"gt=0"`

	ReconnectBaseDelay   time.Duration `validate:"gt=0"`
	ReconnectMaxDelay    time.Duration `validate:"gtefield=ReconnectBaseDelay"`
	MaxReconnectAttempts int           `validate:"min=0"`
	HeartbeatInterval    time.Duration `validate:"min=0"`

	OutboxRetryLimit int `validate:"min=1"`
	HistoryLimit     int `validate:"min=1,max=500"`

	// StorePath enables on-disk snapshots when set.
	StorePath string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *Config) defaults() {
	if c.AckTimeout == 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.TypingTimeout == 0 {
		c.TypingTimeout = DefaultTypingTimeout
	}
	if c.TypingThrottle == 0 {
		c.TypingThrottle = DefaultTypingThrottle
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.OutboxRetryLimit == 0 {
		c.OutboxRetryLimit = DefaultOutboxRetryLimit
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate fills defaults and checks the configuration.
func (c *Config) Validate() error {
	c.defaults()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
