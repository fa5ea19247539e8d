package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Listen   string `mapstructure:"listen"`
	LogLevel string `mapstructure:"log_level"`

	Server Server `mapstructure:"server"`
	Call   Call   `mapstructure:"call"`
	Audio  Audio  `mapstructure:"audio"`
}

// Server is the signaling endpoint and the account used on it.
type Server struct {
	URL        string        `mapstructure:"url"`
	Token      string        `mapstructure:"token"`
	Self       string        `mapstructure:"self"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
}

type Call struct {
	Chat             string        `mapstructure:"chat"`
	PageLimit        int           `mapstructure:"page_limit"`
	InviteSliceSize  int           `mapstructure:"invite_slice_size"`
	ActivityInterval time.Duration `mapstructure:"activity_interval"`
	SpeakThreshold   float32       `mapstructure:"speak_threshold"`
	RejoinLimit      int           `mapstructure:"rejoin_limit"`
	RejoinWindow     time.Duration `mapstructure:"rejoin_window"`
}

type Audio struct {
	InputDevice  string   `mapstructure:"input_device"`
	OutputDevice string   `mapstructure:"output_device"`
	DebugLogDir  string   `mapstructure:"debug_log_dir"`
	ICEServers   []string `mapstructure:"ice_servers"`
}

// FileName is the config file selected by CONFIG_ENV.
func FileName() string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/config.%s.yaml", env)
}

func newViper(fileName string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("listen", "127.0.0.1:8090")
	v.SetDefault("log_level", "info")
	v.SetDefault("server.url", "ws://127.0.0.1:8080/api/ws/signal")
	v.SetDefault("server.token", "")
	v.SetDefault("server.self", "")
	v.SetDefault("server.read_limit", 1<<20)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("call.chat", "")
	v.SetDefault("call.page_limit", 100)
	v.SetDefault("call.invite_slice_size", 10)
	v.SetDefault("call.activity_interval", "3s")
	v.SetDefault("call.speak_threshold", 0.2)
	v.SetDefault("call.rejoin_limit", 5)
	v.SetDefault("call.rejoin_window", "30s")
	v.SetDefault("audio.input_device", "")
	v.SetDefault("audio.output_device", "")
	v.SetDefault("audio.debug_log_dir", "")
	v.SetDefault("audio.ice_servers", []string{"stun:stun.l.google.com:19302"})
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func Load() (*Config, error) {
	return LoadFile(FileName())
}

// LoadFile reads fileName, falling back to defaults when it is missing.
func LoadFile(fileName string) (*Config, error) {
	v := newViper(fileName)
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Str("listen", cfg.Listen).Str("server", cfg.Server.URL).Msg("config")
	return cfg, nil
}

// Watch re-reads fileName on every change and hands the audio section to fn.
// It returns once the watcher is installed.
func Watch(fileName string, fn func(Audio)) error {
	v := newViper(fileName)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("watch %s: %w", fileName, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Msg("reload failed")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config changed")
		fn(cfg.Audio)
	})
	v.WatchConfig()
	return nil
}
