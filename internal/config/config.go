package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode        string        `mapstructure:"mode" validate:"oneof=debug release test"`
	Port        int           `mapstructure:"port" validate:"min=1,max=65535"`
	StaticPath  string        `mapstructure:"static_path"`
	ReadLimit   int64         `mapstructure:"read_limit" validate:"gt=0"`
	PingPeriod  time.Duration `mapstructure:"ping_period" validate:"gt=0"`
	LogLevel    string        `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	CameraSlots int           `mapstructure:"camera_slots" validate:"min=1"`
	AuthLimit   int           `mapstructure:"auth_limit" validate:"min=1"`
	AuthWindow  time.Duration `mapstructure:"auth_window" validate:"gt=0"`

	Janus  JanusConfig  `mapstructure:"janus"`
	Notify NotifyConfig `mapstructure:"notify"`
}

type JanusConfig struct {
	URL            string        `mapstructure:"url" validate:"required,url"`
	Room           int64         `mapstructure:"room" validate:"gt=0"`
	Secret         string        `mapstructure:"secret"`
	Pin            string        `mapstructure:"pin"`
	Bitrate        int           `mapstructure:"bitrate" validate:"min=0"`
	ControlTimeout time.Duration `mapstructure:"control_timeout" validate:"gt=0"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout" validate:"gt=0"`
	MaxEvents      int           `mapstructure:"max_events" validate:"min=1"`
}

type NotifyConfig struct {
	Kind          string        `mapstructure:"kind" validate:"oneof=file redis none"`
	Path          string        `mapstructure:"path" validate:"required_if=Kind file"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownWait  time.Duration `mapstructure:"shutdown_wait" validate:"gt=0"`
	RedisAddr     string        `mapstructure:"redis_addr" validate:"required_if=Kind redis"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" validate:"min=0"`
	RedisChannel  string        `mapstructure:"redis_channel" validate:"required_if=Kind redis"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("camera_slots", 4)
	v.SetDefault("auth_limit", 5)
	v.SetDefault("auth_window", "10s")

	v.SetDefault("janus.url", "http://localhost:8088/janus")
	v.SetDefault("janus.room", 1234)
	v.SetDefault("janus.secret", "")
	v.SetDefault("janus.pin", "")
	v.SetDefault("janus.bitrate", 128000)
	v.SetDefault("janus.control_timeout", "2500ms")
	v.SetDefault("janus.poll_timeout", "35s")
	v.SetDefault("janus.max_events", 10)

	v.SetDefault("notify.kind", "none")
	v.SetDefault("notify.path", "")
	v.SetDefault("notify.write_timeout", "5s")
	v.SetDefault("notify.shutdown_wait", "10s")
	v.SetDefault("notify.redis_addr", "localhost:6379")
	v.SetDefault("notify.redis_password", "")
	v.SetDefault("notify.redis_db", 0)
	v.SetDefault("notify.redis_channel", "camslot")
}

// Load reads CONFIG_PATH, or config/config.<CONFIG_ENV>.yaml when unset.
// A missing file falls back to defaults. CAMSLOT_* variables override
// both, e.g. CAMSLOT_JANUS_URL.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	fileName := os.Getenv("CONFIG_PATH")
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix("CAMSLOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Int("camera_slots", cfg.CameraSlots).
		Str("janus", cfg.Janus.URL).
		Str("notify", cfg.Notify.Kind).
		Msg("config ready")
	return &cfg, nil
}
