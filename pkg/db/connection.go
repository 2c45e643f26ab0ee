package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Config holds database configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Connection wraps sql.DB with additional features
type Connection struct {
	DB *sql.DB
}

// NewConnection creates a new database connection with retry logic. MySQL in
// a fresh deployment may not be accepting connections yet, so the first ping
// backs off and retries before giving up.
func NewConnection(cfg Config) (*Connection, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	var db *sql.DB
	var err error

	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		db, err = sql.Open("mysql", dsn)
		if err == nil {
			err = db.Ping()
		}
		if err == nil {
			break
		}
		if i == maxRetries-1 {
			return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
		}
		time.Sleep(time.Second * time.Duration(i+1))
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Connection{DB: db}, nil
}

// Migrate creates the sync tables when they do not exist yet. Instances point
// at their base through recurrence_base_id; provider ids are unique per user
// so the upsert path in the event repository has a key to land on.
func (c *Connection) Migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id VARCHAR(36) NOT NULL,
			provider_id VARCHAR(191) NULL,
			user_id VARCHAR(64) NOT NULL,
			calendar_id VARCHAR(191) NOT NULL,
			title VARCHAR(512) NOT NULL DEFAULT '',
			description TEXT NOT NULL,
			start_at DATETIME NULL,
			end_at DATETIME NULL,
			timezone VARCHAR(64) NOT NULL DEFAULT '',
			all_day TINYINT(1) NOT NULL DEFAULT 0,
			someday TINYINT(1) NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL,
			priority VARCHAR(32) NOT NULL DEFAULT '',
			origin VARCHAR(16) NOT NULL DEFAULT '',
			recurrence_rule TEXT NULL,
			recurrence_base_id VARCHAR(36) NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (id),
			UNIQUE KEY uniq_user_provider (user_id, provider_id),
			KEY idx_user_base (user_id, recurrence_base_id),
			KEY idx_user_start (user_id, start_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS watches (
			id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
			channel_id VARCHAR(64) NOT NULL,
			resource_id VARCHAR(191) NOT NULL,
			user_id VARCHAR(64) NOT NULL,
			calendar_id VARCHAR(191) NOT NULL,
			expiration DATETIME NOT NULL,
			force_resync TINYINT(1) NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (id),
			UNIQUE KEY uniq_channel (channel_id),
			KEY idx_user (user_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}

	for _, stmt := range statements {
		if _, err := c.DB.Exec(stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (c *Connection) Close() error {
	return c.DB.Close()
}

// Ping verifies connection is alive
func (c *Connection) Ping() error {
	return c.DB.Ping()
}
