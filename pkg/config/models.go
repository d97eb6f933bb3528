package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Directory DirectoryConfig
	Log       LogConfig
}

type ServerConfig struct {
	// Address is the TCP listen address for the chat clients.
	Address string
	// WSAddress enables the WebSocket gateway when non-empty.
	WSAddress string `mapstructure:"wsAddress"`
}

type TransportConfig struct {
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
}

type DirectoryConfig struct {
	// Driver selects the user store: "sqlite" or "static".
	Driver string
	DSN    string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level string
}
