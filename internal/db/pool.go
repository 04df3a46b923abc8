// Package db wraps pgx connection pools for the dump pipeline.
package db

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/willibrandon/pgshovel/internal/config"
)

// MinPostgreSQLVersion is the minimum required PostgreSQL version.
// Logical replication (publications and subscriptions) requires 10.0.
const MinPostgreSQLVersion = 100000

// Pool wraps pgxpool.Pool for one side of the pipeline (source or destination).
type Pool struct {
	pool   *pgxpool.Pool
	config config.PostgreSQLConfig
	role   string // "source" or "destination", used for application_name

	mu         sync.RWMutex
	connected  bool
	version    int
	versionStr string
	lastError  error
	lastCheck  time.Time
}

// PoolStatus holds the current pool status.
type PoolStatus struct {
	Connected  bool      `json:"connected"`
	Version    string    `json:"version,omitempty"`
	VersionNum int       `json:"version_num,omitempty"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Database   string    `json:"database"`
	LastCheck  time.Time `json:"last_check,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// NewPool creates a new Pool for the given side of the pipeline.
// It attempts to connect with exponential backoff retry logic.
func NewPool(ctx context.Context, cfg config.PostgreSQLConfig, role string) (*Pool, error) {
	p := &Pool{
		config: cfg,
		role:   role,
	}

	if err := p.connectWithRetry(ctx); err != nil {
		return nil, err
	}

	return p, nil
}

// connectWithRetry attempts to connect with exponential backoff.
func (p *Pool) connectWithRetry(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 30 * time.Second

	operation := func() error {
		err := p.connect(ctx)
		if err != nil && !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", p.role, err)
	}
	return nil
}

// connect establishes a connection to PostgreSQL.
func (p *Pool) connect(ctx context.Context) error {
	connString, err := p.ConnString()
	if err != nil {
		return fmt.Errorf("failed to build connection string: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return fmt.Errorf("failed to parse connection config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "pgshovel-" + p.role

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}

	version, versionStr, err := validateConnection(ctx, pool)
	if err != nil {
		pool.Close()
		return err
	}

	p.mu.Lock()
	p.pool = pool
	p.connected = true
	p.version = version
	p.versionStr = versionStr
	p.lastCheck = time.Now()
	p.lastError = nil
	p.mu.Unlock()

	return nil
}

// ConnString builds a PostgreSQL connection URL from config with
// environment variable fallbacks.
func (p *Pool) ConnString() (string, error) {
	host, port, database, user, _, sslmode := p.config.ConnectionParams()

	host = getEnvOrDefault("PGHOST", host)
	port = getEnvOrDefaultInt("PGPORT", port)
	database = getEnvOrDefault("PGDATABASE", database)
	user = getEnvOrDefault("PGUSER", user)
	sslmode = getEnvOrDefault("PGSSLMODE", sslmode)

	password, err := p.Password()
	if err != nil {
		return "", err
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(user),
		url.QueryEscape(password),
		host,
		port,
		database,
		sslmode,
	)

	return connString, nil
}

// KeywordConnString builds a keyword/value connection string, the form
// CREATE SUBSCRIPTION expects in its CONNECTION clause.
func (p *Pool) KeywordConnString() (string, error) {
	host, port, database, user, _, _ := p.config.ConnectionParams()

	host = getEnvOrDefault("PGHOST", host)
	port = getEnvOrDefaultInt("PGPORT", port)
	database = getEnvOrDefault("PGDATABASE", database)
	user = getEnvOrDefault("PGUSER", user)

	connString := fmt.Sprintf("host=%s port=%d dbname=%s user=%s",
		quoteConnValue(host), port, quoteConnValue(database), quoteConnValue(user))

	password, err := p.Password()
	if err != nil {
		return "", err
	}
	if password != "" {
		connString += fmt.Sprintf(" password=%s", quoteConnValue(password))
	}

	return connString, nil
}

// quoteConnValue quotes one keyword/value connection string value per libpq
// rules: values containing whitespace, quotes, or backslashes (or empty
// values) are wrapped in single quotes, with quote and backslash escaped by
// a backslash.
func quoteConnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t'\\") {
		return v
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v)
	return "'" + escaped + "'"
}

// Password retrieves the password using the configured method.
func (p *Pool) Password() (string, error) {
	// Priority 1: password_command
	if p.config.PasswordCommand != "" {
		return executePasswordCommand(p.config.PasswordCommand)
	}

	// Priority 2: PGPASSWORD environment variable
	if password, ok := os.LookupEnv("PGPASSWORD"); ok {
		return password, nil
	}

	// Priority 3: empty password (trust authentication)
	return "", nil
}

// executePasswordCommand executes the password command with timeout.
func executePasswordCommand(command string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", fmt.Errorf("empty password command")
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("password command failed: %w (stderr: %s)", err, stderr.String())
	}

	return strings.TrimSpace(stdout.String()), nil
}

// validateConnection checks the server version meets the minimum.
func validateConnection(ctx context.Context, pool *pgxpool.Pool) (int, string, error) {
	var versionNumStr, versionStr string

	err := pool.QueryRow(ctx, "SHOW server_version_num").Scan(&versionNumStr)
	if err != nil {
		return 0, "", fmt.Errorf("failed to get PostgreSQL version: %w", err)
	}

	versionNum, err := strconv.Atoi(versionNumStr)
	if err != nil {
		return 0, "", fmt.Errorf("failed to parse PostgreSQL version number: %w", err)
	}

	err = pool.QueryRow(ctx, "SHOW server_version").Scan(&versionStr)
	if err != nil {
		return 0, "", fmt.Errorf("failed to get PostgreSQL version string: %w", err)
	}

	if versionNum < MinPostgreSQLVersion {
		return 0, "", fmt.Errorf(
			"PostgreSQL %s (version %d) is not supported; minimum required version is 10.0 (100000)",
			versionStr, versionNum,
		)
	}

	return versionNum, versionStr, nil
}

// CheckWALLevel verifies wal_level is 'logical', which slot creation requires.
func (p *Pool) CheckWALLevel(ctx context.Context) error {
	var walLevel string
	err := p.QueryRow(ctx, "SELECT setting FROM pg_settings WHERE name = 'wal_level'").Scan(&walLevel)
	if err != nil {
		return fmt.Errorf("failed to check wal_level: %w", err)
	}
	if walLevel != "logical" {
		return fmt.Errorf("wal_level is %q; logical replication requires wal_level=logical", walLevel)
	}
	return nil
}

// Pool returns the underlying pgxpool.Pool.
func (p *Pool) Pool() *pgxpool.Pool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pool
}

// Acquire acquires a connection from the pool.
func (p *Pool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	p.mu.RLock()
	pool := p.pool
	p.mu.RUnlock()

	if pool == nil {
		return nil, fmt.Errorf("pool not connected")
	}

	return pool.Acquire(ctx)
}

// QueryRow executes a query and returns a single row.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	p.mu.RLock()
	pool := p.pool
	p.mu.RUnlock()

	if pool == nil {
		return &errorRow{err: fmt.Errorf("pool not connected")}
	}

	return pool.QueryRow(ctx, sql, args...)
}

// Query executes a query and returns the rows.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.mu.RLock()
	pool := p.pool
	p.mu.RUnlock()

	if pool == nil {
		return nil, fmt.Errorf("pool not connected")
	}

	return pool.Query(ctx, sql, args...)
}

// Exec executes a query without returning rows.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) error {
	p.mu.RLock()
	pool := p.pool
	p.mu.RUnlock()

	if pool == nil {
		return fmt.Errorf("pool not connected")
	}

	_, err := pool.Exec(ctx, sql, args...)
	return err
}

// Status returns the current pool status.
func (p *Pool) Status() PoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := PoolStatus{
		Connected: p.connected,
		Host:      p.config.Host,
		Port:      p.config.Port,
		Database:  p.config.Database,
		LastCheck: p.lastCheck,
	}

	if p.connected {
		status.Version = p.versionStr
		status.VersionNum = p.version
	}

	if p.lastError != nil {
		status.Error = p.lastError.Error()
	}

	return status
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	p.connected = false
}

// IsConnected returns true if the pool is connected.
func (p *Pool) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Version returns the PostgreSQL version number.
func (p *Pool) Version() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// errorRow implements pgx.Row for error cases.
type errorRow struct {
	err error
}

func (r *errorRow) Scan(dest ...any) error {
	return r.err
}

// isRetryableError checks if a connection error is retryable.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var netErr *net.OpError
	if ok := isNetError(err, &netErr); ok {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "i/o timeout") {
		return true
	}

	return false
}

// isNetError checks if err wraps a net.OpError.
func isNetError(err error, target **net.OpError) bool {
	for err != nil {
		if opErr, ok := err.(*net.OpError); ok {
			*target = opErr
			return true
		}
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			err = unwrapper.Unwrap()
		} else {
			return false
		}
	}
	return false
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns the environment variable as int or a default.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
