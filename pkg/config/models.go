package config

import "time"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Session   SessionConfig   `mapstructure:"session"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Address string `mapstructure:"address" validate:"required"`
	Path    string `mapstructure:"path" validate:"required,startswith=/"`
	// empty means any origin is accepted
	AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout" validate:"gt=0"`
	Auth            AuthConfig    `mapstructure:"auth"`
}

type AuthConfig struct {
	// JWTSecret enables the handshake token check when set.
	JWTSecret string `mapstructure:"jwtSecret"`
}

type TransportConfig struct {
	ReadTimeout     time.Duration `mapstructure:"readTimeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout" validate:"gte=0"`
	PingInterval    time.Duration `mapstructure:"pingInterval" validate:"gte=0"`
	SendBuffer      int           `mapstructure:"sendBuffer" validate:"min=1"`
	MaxMessageBytes int64         `mapstructure:"maxMessageBytes" validate:"min=1"`
	SlowConsumer    string        `mapstructure:"slowConsumer" validate:"oneof=drop close"`
}

type SessionConfig struct {
	DuplicateLogin string `mapstructure:"duplicateLogin" validate:"oneof=supersede reject"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}
