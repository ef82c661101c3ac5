package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	// UserID is the identity this node answers calls for.
	UserID string `mapstructure:"user_id"`

	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`

	StunServers []string `mapstructure:"stun_servers"`
	// TURN relay is optional; without it calls across symmetric NATs fail.
	TurnServers  []string `mapstructure:"turn_servers"`
	TurnUsername string   `mapstructure:"turn_username"`
	TurnPassword string   `mapstructure:"turn_password"`

	RingTimeout  time.Duration `mapstructure:"ring_timeout"`
	VideoBitRate int           `mapstructure:"video_bitrate"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("mongo_database", "callkit")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ring_timeout", "30s")
	v.SetDefault("video_bitrate", 1_500_000)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.UserID == "" {
		cfg.UserID = os.Getenv("CALLKIT_USER_ID")
	}
	return &cfg, nil
}
