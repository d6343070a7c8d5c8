package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/mailflow/config"
	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/pkg/metrics"
)

//go:embed schema.sql
var schema string

// Database holds the connection pools for the durable store.
type Database struct {
	WritePool *pgxpool.Pool
	ReadPool  *pgxpool.Pool
}

// NewDatabaseFromConfig creates a database connection with optional
// read/write split and applies the embedded schema.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write)
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	readPool := writePool
	if dbConfig.Read != nil {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read)
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Info("DB: no read configuration specified, using write pool for reads")
	}

	db := &Database{
		WritePool: writePool,
		ReadPool:  readPool,
	}

	if err := db.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return db, nil
}

func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig) (*pgxpool.Pool, error) {
	if len(endpoint.Hosts) == 0 {
		return nil, fmt.Errorf("at least one host must be specified")
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}
	port := endpoint.Port
	if port == "" {
		port = "5432"
	}

	host := endpoint.Hosts[0]
	if !strings.Contains(host, ":") {
		host = fmt.Sprintf("%s:%s", host, port)
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, host, endpoint.Name, sslMode)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if endpoint.MaxConns > 0 {
		poolConfig.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		poolConfig.MinConns = int32(endpoint.MinConns)
	}
	if lifetime, err := endpoint.GetMaxConnLifetime(); err == nil {
		poolConfig.MaxConnLifetime = lifetime
	}
	if idleTime, err := endpoint.GetMaxConnIdleTime(); err == nil {
		poolConfig.MaxConnIdleTime = idleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	return pool, nil
}

func (db *Database) migrate(ctx context.Context) error {
	_, err := db.WritePool.Exec(ctx, schema)
	return err
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// GetWritePool returns the connection pool for write operations
func (db *Database) GetWritePool() *pgxpool.Pool {
	return db.WritePool
}

// GetReadPool returns the connection pool for read operations
func (db *Database) GetReadPool() *pgxpool.Pool {
	return db.ReadPool
}

// StartPoolMetrics starts a goroutine that periodically collects connection pool metrics
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	if db.WritePool != nil {
		stats := db.WritePool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("write").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("write").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("write").Set(float64(stats.AcquiredConns()))
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		stats := db.ReadPool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("read").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("read").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("read").Set(float64(stats.AcquiredConns()))
	}
}
