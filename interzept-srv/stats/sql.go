package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/interzept/interzept-srv/logger"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLCollector implements Collector on top of database/sql. The sqlite3 and
// postgres drivers are supported; queries are written with '?' placeholders
// and rebound for postgres.
type SQLCollector struct {
	db     *sql.DB
	driver string
}

// NewSQLiteCollector opens (or creates) the SQLite database at path. Use
// ":memory:" for a throwaway database.
func NewSQLiteCollector(path string) (*SQLCollector, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// sqlite serializes writers anyway and every :memory: connection is its
	// own database
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	c := &SQLCollector{db: db, driver: "sqlite3"}
	if err := initSchema(context.Background(), db, c.driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Debug("Initialized stats collector sqlite (%s)", path)
	return c, nil
}

// NewPostgreSQLCollector connects to the database identified by dsn.
func NewPostgreSQLCollector(dsn string) (*SQLCollector, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	c := &SQLCollector{db: db, driver: "postgres"}
	if err := initSchema(context.Background(), db, c.driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Debug("Initialized stats collector postgresql")
	return c, nil
}

// rebind turns '?' placeholders into '$n' for postgres.
func (c *SQLCollector) rebind(query string) string {
	if c.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *SQLCollector) exec(ctx context.Context, query string, args ...any) error {
	_, err := c.db.ExecContext(ctx, c.rebind(query), args...)
	return err
}

// channelRef maps an unknown channel (id <= 0) to NULL.
func channelRef(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}

func (c *SQLCollector) StartChannel(ctx context.Context, channelUUID, clientIP, localAddr string) (int64, error) {
	const query = `INSERT INTO channels (channel_uuid, client_ip, local_address, started_at) VALUES (?, ?, ?, ?)`

	if c.driver == "postgres" {
		var id int64
		if err := c.db.QueryRowContext(ctx, c.rebind(query+" RETURNING id"), channelUUID, clientIP, localAddr, time.Now()).Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to record channel start: %w", err)
		}
		return id, nil
	}

	result, err := c.db.ExecContext(ctx, query, channelUUID, clientIP, localAddr, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to record channel start: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get channel ID: %w", err)
	}
	return id, nil
}

// EndChannel stores the final byte totals, replacing any partial counts from
// RecordDataTransfer.
func (c *SQLCollector) EndChannel(ctx context.Context, channelID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	err := c.exec(ctx,
		`UPDATE channels SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ? WHERE id = ?`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, channelID)
	if err != nil {
		return fmt.Errorf("failed to record channel end: %w", err)
	}
	return nil
}

func (c *SQLCollector) RecordExchange(ctx context.Context, channelID int64, ex Exchange) error {
	err := c.exec(ctx,
		`INSERT INTO exchanges (channel_id, method, url, host, status_code, request_bytes, response_bytes, outcome, is_recursive, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		channelRef(channelID), ex.Method, ex.URL, ex.Host, ex.StatusCode, ex.RequestBytes, ex.ResponseBytes,
		ex.Outcome, ex.Recursive, ex.Duration.Milliseconds(), time.Now())
	if err != nil {
		return fmt.Errorf("failed to record exchange: %w", err)
	}
	return nil
}

func (c *SQLCollector) RecordError(ctx context.Context, channelID int64, errorType, errorMessage string) error {
	err := c.exec(ctx,
		`INSERT INTO errors (channel_id, error_type, error_message, timestamp) VALUES (?, ?, ?, ?)`,
		channelRef(channelID), errorType, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// RecordDataTransfer adds to the running byte counts of a channel.
func (c *SQLCollector) RecordDataTransfer(ctx context.Context, channelID, bytesSent, bytesReceived int64) error {
	err := c.exec(ctx,
		`UPDATE channels SET bytes_sent = bytes_sent + ?, bytes_received = bytes_received + ? WHERE id = ?`,
		bytesSent, bytesReceived, channelID)
	if err != nil {
		return fmt.Errorf("failed to record data transfer: %w", err)
	}
	return nil
}

func (c *SQLCollector) Overview(ctx context.Context) (*Overview, error) {
	o := &Overview{}
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(bytes_sent), 0),
		       COALESCE(SUM(bytes_received), 0)
		FROM channels`).Scan(&o.TotalChannels, &o.OpenChannels, &o.BytesSent, &o.BytesReceived)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel overview: %w", err)
	}
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exchanges`).Scan(&o.TotalExchanges); err != nil {
		return nil, fmt.Errorf("failed to count exchanges: %w", err)
	}
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM errors`).Scan(&o.TotalErrors); err != nil {
		return nil, fmt.Errorf("failed to count errors: %w", err)
	}
	return o, nil
}

func (c *SQLCollector) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *SQLCollector) Close() error {
	return c.db.Close()
}
