package sql

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	// import the postgres driver - "pgx"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/opentelemetry-go-extra/otelsql"

	// import the sqlite driver - "sqlite"
	_ "modernc.org/sqlite"

	"github.com/llm-perf/perf-hub/internal/abstractions"
)

const (
	// These are the only drivers currently supported
	SQLITE_DRIVER   = "sqlite"
	POSTGRES_DRIVER = "pgx"

	// This is the only table currently supported
	TABLE_TASKS = "tasks"
)

type SQLStorage struct {
	sqlConfig *SQLDatabaseConfig
	pool      *sql.DB
	logger    *slog.Logger
	ctx       context.Context
}

func NewStorage(config map[string]any, logger *slog.Logger) (abstractions.Storage, error) {
	var sqlConfig SQLDatabaseConfig
	err := mapstructure.Decode(config, &sqlConfig)
	if err != nil {
		return nil, err
	}

	// check that the driver is supported
	var dbSystem string
	switch sqlConfig.Driver {
	case SQLITE_DRIVER:
		dbSystem = "sqlite"
	case POSTGRES_DRIVER:
		dbSystem = "postgresql"
	default:
		return nil, getUnsupportedDriverError(sqlConfig.Driver)
	}

	logger.Info("Creating SQL storage", "driver", sqlConfig.Driver, "url", redactURL(sqlConfig.URL))

	pool, err := otelsql.Open(sqlConfig.Driver, dataSourceName(&sqlConfig),
		otelsql.WithDBSystem(dbSystem),
		otelsql.WithDBName(sqlConfig.DatabaseName),
	)
	if err != nil {
		return nil, err
	}

	if sqlConfig.ConnMaxLifetime != nil {
		pool.SetConnMaxLifetime(*sqlConfig.ConnMaxLifetime)
	}
	if sqlConfig.MaxIdleConns != nil {
		pool.SetMaxIdleConns(*sqlConfig.MaxIdleConns)
	}
	if sqlConfig.MaxOpenConns != nil {
		pool.SetMaxOpenConns(*sqlConfig.MaxOpenConns)
	}

	storage := &SQLStorage{
		sqlConfig: &sqlConfig,
		pool:      pool,
		logger:    logger,
		ctx:       context.Background(),
	}

	// ping the database to verify the DSN provided by the user is valid and the server is accessible
	logger.Info("Pinging SQL storage", "driver", sqlConfig.Driver)
	err = storage.Ping(1 * time.Second)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	// ensure the schemas are created
	logger.Info("Ensuring schemas are created", "driver", sqlConfig.Driver)
	if err := storage.ensureSchema(); err != nil {
		_ = pool.Close()
		return nil, err
	}

	return storage, nil
}

// dataSourceName adds the user and password secrets to a PostgreSQL URL that
// does not carry them already.
func dataSourceName(config *SQLDatabaseConfig) string {
	if config.Driver != POSTGRES_DRIVER || (config.User == "" && config.Password == "") {
		return config.URL
	}
	u, err := url.Parse(config.URL)
	if err != nil || u.User != nil {
		return config.URL
	}
	u.User = url.UserPassword(config.User, config.Password)
	return u.String()
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

// Ping the database to verify DSN provided by the user is valid and the
// server accessible.
func (s *SQLStorage) Ping(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	return s.pool.PingContext(ctx)
}

func (s *SQLStorage) GetDatasourceName() string {
	return s.sqlConfig.Driver
}

func (s *SQLStorage) WithLogger(logger *slog.Logger) abstractions.Storage {
	return &SQLStorage{
		sqlConfig: s.sqlConfig,
		pool:      s.pool,
		logger:    logger,
		ctx:       s.ctx,
	}
}

func (s *SQLStorage) WithContext(ctx context.Context) abstractions.Storage {
	return &SQLStorage{
		sqlConfig: s.sqlConfig,
		pool:      s.pool,
		logger:    s.logger,
		ctx:       ctx,
	}
}

func (s *SQLStorage) exec(query string, args ...any) (sql.Result, error) {
	return s.pool.ExecContext(s.ctx, rebind(s.sqlConfig.Driver, query), args...)
}

// execAffected runs a conditional statement and reports whether exactly one row matched.
func (s *SQLStorage) execAffected(query string, args ...any) (bool, error) {
	result, err := s.exec(query, args...)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

func (s *SQLStorage) ensureSchema() error {
	statements, err := schemasForDriver(s.sqlConfig.Driver)
	if err != nil {
		return err
	}
	for _, statement := range statements {
		if _, err := s.pool.ExecContext(s.ctx, statement); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStorage) generateID() string {
	return uuid.New().String()
}

func (s *SQLStorage) Close() error {
	return s.pool.Close()
}
