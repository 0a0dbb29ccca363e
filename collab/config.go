package collab

import (
	"time"

	"github.com/spf13/viper"
)

// daemon configuration, loaded from a config file and COLLAB_* environment
// variables. every field has a working default so the daemon runs with no
// config at all.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// "disk" or "pg"
	ContentsStore string `mapstructure:"contents_store"`
	ContentsDir   string `mapstructure:"contents_dir"`
	PgUrl         string `mapstructure:"pg_url"`

	// "disk" or "redis"
	OutputStore string `mapstructure:"output_store"`
	OutputsDir  string `mapstructure:"outputs_dir"`
	RedisAddr   string `mapstructure:"redis_addr"`

	JwtSecret   string `mapstructure:"jwt_secret"`
	RequireAuth bool   `mapstructure:"require_auth"`

	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	SaveInterval          time.Duration `mapstructure:"save_interval"`
	HandshakeTimeout      time.Duration `mapstructure:"handshake_timeout"`
	InlineOutputThreshold int           `mapstructure:"inline_output_threshold"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8188")
	v.SetDefault("contents_store", "disk")
	v.SetDefault("contents_dir", ".")
	v.SetDefault("output_store", "disk")
	v.SetDefault("outputs_dir", "outputs")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("idle_timeout", 10*time.Second)
	v.SetDefault("save_interval", 500*time.Millisecond)
	v.SetDefault("handshake_timeout", 30*time.Second)
	v.SetDefault("inline_output_threshold", 4*1024)

	v.SetEnvPrefix("collab")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, err
	}
	return config, nil
}

// RoomManagerSettings derives component settings from the loaded config.
func (self *Config) RoomManagerSettings() *RoomManagerSettings {
	settings := DefaultRoomManagerSettings()
	settings.IdleTimeout = self.IdleTimeout
	settings.FileApiSettings.SaveInterval = self.SaveInterval
	settings.RoomSettings.ClientGroupSettings.HandshakeTimeout = self.HandshakeTimeout
	return settings
}

func (self *Config) ServerSettings() *ServerSettings {
	settings := DefaultServerSettings()
	if self.JwtSecret != "" {
		settings.JwtSecret = []byte(self.JwtSecret)
	}
	settings.RequireAuth = self.RequireAuth
	return settings
}

func (self *Config) KernelBridgeSettings() *KernelBridgeSettings {
	settings := DefaultKernelBridgeSettings()
	settings.InlineOutputThreshold = self.InlineOutputThreshold
	return settings
}
