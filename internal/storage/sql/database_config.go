package sql

import (
	"time"
)

type SQLDatabaseConfig struct {
	Driver          string         `mapstructure:"driver"`
	URL             string         `mapstructure:"url"`
	ConnMaxLifetime *time.Duration `mapstructure:"conn_max_lifetime,omitempty"`
	MaxIdleConns    *int           `mapstructure:"max_idle_conns,omitempty"`
	MaxOpenConns    *int           `mapstructure:"max_open_conns,omitempty"`
	DatabaseName    string         `mapstructure:"database_name,omitempty"`

	// secrets merged in by the config loader
	User     string `mapstructure:"user,omitempty"`
	Password string `mapstructure:"password,omitempty"`
}
