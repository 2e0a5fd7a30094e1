package config

import "time"

// Config - корневая структура конфигурации relay
// yaml и validate теги для парсинга и валидации

type Config struct {
	Logger    LoggerConfig    `yaml:"logger" validate:"required"`
	Server    ServerConfig    `yaml:"http-server" validate:"required"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"required"`
	// WriteTimeout bounds a single write to a subscriber; a subscriber that
	// can not keep up is dropped.
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"required"`
	PingPeriod   time.Duration `yaml:"ping_period" validate:"required"`
	PongWait     time.Duration `yaml:"pong_wait" validate:"required,gtfield=PingPeriod"`
}

// DiscoveryConfig registers the relay in ZooKeeper so tailers can find the
// relay owning a table.
type DiscoveryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Servers        []string      `yaml:"zk_servers" validate:"required_if=Enabled true"`
	RootPath       string        `yaml:"root_path"`
	AdvertiseAddr  string        `yaml:"advertise_addr"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8875,
			ReadHeaderTimeout: time.Second,
			WriteTimeout:      10 * time.Second,
			PingPeriod:        30 * time.Second,
			PongWait:          60 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Enabled:        false,
			RootPath:       "/viewrelay",
			SessionTimeout: 5 * time.Second,
		},
	}
}
