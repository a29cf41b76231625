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

	Secret        string        `mapstructure:"secret"`
	AdminUsername string        `mapstructure:"admin_username"`
	AdminPassword string        `mapstructure:"admin_password"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`

	ReadLimit    int64         `mapstructure:"read_limit"`
	CloseTimeout time.Duration `mapstructure:"close_timeout"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`

	RTCPortMin  int    `mapstructure:"rtc_port_min"`
	RTCPortMax  int    `mapstructure:"rtc_port_max"`
	AnnouncedIP string `mapstructure:"announced_ip"`
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
	v.SetDefault("port", 3001)
	v.SetDefault("secret", "")
	v.SetDefault("admin_username", "admin")
	v.SetDefault("admin_password", "")
	v.SetDefault("token_ttl", "1h")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("close_timeout", "5s")
	v.SetDefault("grace_period", "2s")
	v.SetDefault("rtc_port_min", 10000)
	v.SetDefault("rtc_port_max", 10100)
	v.SetDefault("announced_ip", "")

	// Secrets may arrive via environment in deployments without a file.
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("secret must be set (RELAY_SECRET or config file)")
	}
	if cfg.AdminPassword == "" {
		return nil, fmt.Errorf("admin_password must be set (RELAY_ADMIN_PASSWORD or config file)")
	}
	return &cfg, nil
}
