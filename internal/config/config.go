package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var (
	ErrMissingDSN        = errors.New("POSTGRES_DSN is required when credits or history use Postgres")
	ErrMissingRecipients = errors.New("NOTIFY_FROM and NOTIFY_TO are required with SENDGRID_API_KEY")
)

type Config struct {
	// HTTP server
	HTTPPort        int           `mapstructure:"HTTP_PORT" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"gt=0"`

	// Storage
	DataDir        string `mapstructure:"DATA_DIR" validate:"required"`
	TaskStore      string `mapstructure:"TASK_STORE" validate:"oneof=memory redis"`
	RedisAddr      string `mapstructure:"REDIS_ADDR" validate:"required_if=TaskStore redis"`
	CreditStore    string `mapstructure:"CREDIT_STORE" validate:"oneof=memory postgres"`
	PostgresDSN    string `mapstructure:"POSTGRES_DSN"`
	HistoryEnabled bool   `mapstructure:"HISTORY_ENABLED"`
	SeedCredits    string `mapstructure:"SEED_CREDITS"`

	// Processing
	DebitPolicy          string  `mapstructure:"DEBIT_POLICY" validate:"oneof=requested succeeded"`
	MaxConcurrentBatches int     `mapstructure:"MAX_CONCURRENT_BATCHES" validate:"min=1"`
	MaxItemsPerBatch     int     `mapstructure:"MAX_ITEMS_PER_BATCH" validate:"min=0"`
	FFmpegPath           string  `mapstructure:"FFMPEG_PATH" validate:"required"`
	FFprobePath          string  `mapstructure:"FFPROBE_PATH" validate:"required"`
	ColorFactor          float64 `mapstructure:"COLOR_FACTOR" validate:"gt=0"`

	// Notifications
	SendGridAPIKey string `mapstructure:"SENDGRID_API_KEY"`
	NotifyFrom     string `mapstructure:"NOTIFY_FROM" validate:"omitempty,email"`
	NotifyTo       string `mapstructure:"NOTIFY_TO" validate:"omitempty,email"`

	// Logging
	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"oneof=text json"`
}

// NotificationsEnabled reports whether finished batches should be mailed.
func (c *Config) NotificationsEnabled() bool {
	return c.SendGridAPIKey != ""
}

// LogValue keeps secrets out of the startup log.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("http_port", c.HTTPPort),
		slog.String("data_dir", c.DataDir),
		slog.String("task_store", c.TaskStore),
		slog.String("credit_store", c.CreditStore),
		slog.Bool("history_enabled", c.HistoryEnabled),
		slog.String("debit_policy", c.DebitPolicy),
		slog.Int("max_concurrent_batches", c.MaxConcurrentBatches),
		slog.Int("max_items_per_batch", c.MaxItemsPerBatch),
		slog.Bool("notifications", c.NotificationsEnabled()),
		slog.String("log_level", c.LogLevel),
	)
}

// bind every mapstructure tag so viper.Unmarshal sees env-only keys
func bindEnv(c Config) {
	typ := reflect.TypeOf(c)

	for i := 0; i < typ.NumField(); i++ {
		if tag := typ.Field(i).Tag.Get("mapstructure"); tag != "" {
			_ = viper.BindEnv(tag)
		}
	}
}

func setDefaults() {
	viper.SetDefault("HTTP_PORT", 8080)
	viper.SetDefault("SHUTDOWN_TIMEOUT", 30*time.Second)
	viper.SetDefault("DATA_DIR", "./data")
	viper.SetDefault("TASK_STORE", "memory")
	viper.SetDefault("CREDIT_STORE", "memory")
	viper.SetDefault("HISTORY_ENABLED", false)
	viper.SetDefault("SEED_CREDITS", "user1=100,user2=50")
	viper.SetDefault("DEBIT_POLICY", "requested")
	viper.SetDefault("MAX_CONCURRENT_BATCHES", 4)
	viper.SetDefault("MAX_ITEMS_PER_BATCH", 100)
	viper.SetDefault("FFMPEG_PATH", "ffmpeg")
	viper.SetDefault("FFPROBE_PATH", "ffprobe")
	viper.SetDefault("COLOR_FACTOR", 1.1)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
}

// LoadConfig reads the configuration from the environment. When file is not
// empty it is read first and environment variables override it.
func LoadConfig(ctx context.Context, file string) (*Config, error) {
	bindEnv(Config{})
	viper.AutomaticEnv()
	setDefaults()

	if file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if (cfg.CreditStore == "postgres" || cfg.HistoryEnabled) && cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("validate config: %w", ErrMissingDSN)
	}
	if cfg.NotificationsEnabled() && (cfg.NotifyFrom == "" || cfg.NotifyTo == "") {
		return nil, fmt.Errorf("validate config: %w", ErrMissingRecipients)
	}

	slog.InfoContext(ctx, "loaded configuration", "config", cfg)
	return &cfg, nil
}
