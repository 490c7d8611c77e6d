package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore persists events in a relational database. One implementation
// serves sqlite, postgres and mysql; timestamps are stored as unix
// milliseconds to keep the schema identical across dialects.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteStore opens (creating if needed) a sqlite-backed event store
func NewSQLiteStore(path string) (*SQLStore, error) {
	return newSQLStore("sqlite3", path, "sqlite")
}

// NewPostgresStore connects to a postgres-backed event store
func NewPostgresStore(dsn string) (*SQLStore, error) {
	return newSQLStore("postgres", dsn, "postgres")
}

// NewMySQLStore connects to a mysql-backed event store
func NewMySQLStore(dsn string) (*SQLStore, error) {
	return newSQLStore("mysql", dsn, "mysql")
}

func newSQLStore(driver, dsn, dialect string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s event store: %w", dialect, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s event store: %w", dialect, err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	schema := `CREATE TABLE IF NOT EXISTS events (
		id VARCHAR(64) PRIMARY KEY,
		email_id VARCHAR(64) NOT NULL,
		campaign_id VARCHAR(64) NOT NULL DEFAULT '',
		template_id VARCHAR(64) NOT NULL DEFAULT '',
		user_id VARCHAR(64) NOT NULL DEFAULT '',
		event_type VARCHAR(16) NOT NULL,
		recipient VARCHAR(320) NOT NULL,
		ts_ms BIGINT NOT NULL,
		metadata TEXT
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_ts ON events (ts_ms)",
		"CREATE INDEX IF NOT EXISTS idx_events_email ON events (email_id)",
		"CREATE INDEX IF NOT EXISTS idx_events_campaign ON events (campaign_id)",
	}
	if s.dialect == "mysql" {
		// MySQL has no IF NOT EXISTS for indexes; duplicate-key errors
		// on re-creation are ignored.
		indexes = []string{
			"CREATE INDEX idx_events_ts ON events (ts_ms)",
			"CREATE INDEX idx_events_email ON events (email_id)",
			"CREATE INDEX idx_events_campaign ON events (campaign_id)",
		}
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil && s.dialect != "mysql" {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// rebind converts ? placeholders to $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Append implements Store
func (s *SQLStore) Append(ctx context.Context, e Event) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	var metadata []byte
	if len(e.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(e.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to encode event metadata: %w", err)
		}
	}

	query := s.rebind(`INSERT INTO events
		(id, email_id, campaign_id, template_id, user_id, event_type, recipient, ts_ms, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.EmailID, e.CampaignID, e.TemplateID, e.UserID,
		string(e.Type), e.Recipient, e.Timestamp.UnixMilli(), string(metadata))
	if err != nil {
		return "", fmt.Errorf("failed to append event: %w", err)
	}

	return e.ID, nil
}

// Query implements Store
func (s *SQLStore) Query(ctx context.Context, f Filter) ([]Event, error) {
	var (
		conds []string
		args  []any
	)

	if !f.From.IsZero() {
		conds = append(conds, "ts_ms >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		conds = append(conds, "ts_ms <= ?")
		args = append(args, f.To.UnixMilli())
	}
	if f.EmailID != "" {
		conds = append(conds, "email_id = ?")
		args = append(args, f.EmailID)
	}
	if f.CampaignID != "" {
		conds = append(conds, "campaign_id = ?")
		args = append(args, f.CampaignID)
	}
	if f.TemplateID != "" {
		conds = append(conds, "template_id = ?")
		args = append(args, f.TemplateID)
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, fmt.Sprintf("event_type IN (%s)", strings.Join(placeholders, ", ")))
	}

	query := "SELECT id, email_id, campaign_id, template_id, user_id, event_type, recipient, ts_ms, metadata FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts_ms ASC"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		var (
			e        Event
			typ      string
			tsMs     int64
			metadata sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EmailID, &e.CampaignID, &e.TemplateID,
			&e.UserID, &typ, &e.Recipient, &tsMs, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.Type = Type(typ)
		e.Timestamp = time.UnixMilli(tsMs)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode event metadata: %w", err)
			}
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}

	// ts_ms has millisecond resolution; keep a stable in-process order
	// for events sharing a millisecond.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	return result, nil
}

// Close implements Store
func (s *SQLStore) Close() error {
	return s.db.Close()
}
