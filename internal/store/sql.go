package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/livetemplate/stepdeck"
)

// SQL is a Store backed by database/sql. It supports the "sqlite" and
// "postgres" drivers.
type SQL struct {
	db     *sql.DB
	driver string
}

const createRoomsTable = `CREATE TABLE IF NOT EXISTS stepdeck_rooms (
	room       TEXT PRIMARY KEY,
	step       TEXT NOT NULL,
	substep    INTEGER,
	duration   BIGINT,
	updated_at TIMESTAMP NOT NULL
)`

// OpenSQL opens dsn with driver and creates the rooms table if needed
func OpenSQL(driver, dsn string) (*SQL, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store %s: dsn is required", driver)
	}
	if driver != "sqlite" && driver != "postgres" {
		return nil, fmt.Errorf("store: unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store %s: failed to open database: %w", driver, err)
	}

	if driver == "sqlite" {
		// A single writer avoids SQLITE_BUSY under concurrent saves
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store %s: failed to connect: %w", driver, err)
	}

	if _, err := db.ExecContext(ctx, createRoomsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("store %s: failed to create table: %w", driver, err)
	}

	return &SQL{db: db, driver: driver}, nil
}

// rebind rewrites ? placeholders to $n for postgres
func (s *SQL) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (s *SQL) Save(ctx context.Context, room string, ev stepdeck.GotoEvent) error {
	var substep, duration sql.NullInt64
	if ev.SubstepIdx != nil {
		substep = sql.NullInt64{Int64: int64(*ev.SubstepIdx), Valid: true}
	}
	if ev.Duration != nil {
		duration = sql.NullInt64{Int64: *ev.Duration, Valid: true}
	}

	query := s.rebind(`INSERT INTO stepdeck_rooms (room, step, substep, duration, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (room) DO UPDATE SET
	step = excluded.step,
	substep = excluded.substep,
	duration = excluded.duration,
	updated_at = excluded.updated_at`)

	if _, err := s.db.ExecContext(ctx, query, room, string(ev.Step), substep, duration, time.Now().UTC()); err != nil {
		return fmt.Errorf("store %s: save room %q: %w", s.driver, room, err)
	}
	return nil
}

func (s *SQL) Load(ctx context.Context, room string) (*stepdeck.GotoEvent, error) {
	var (
		step              string
		substep, duration sql.NullInt64
	)
	query := s.rebind(`SELECT step, substep, duration FROM stepdeck_rooms WHERE room = ?`)
	err := s.db.QueryRowContext(ctx, query, room).Scan(&step, &substep, &duration)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store %s: load room %q: %w", s.driver, room, err)
	}

	ev := &stepdeck.GotoEvent{Step: stepdeck.StepID(step)}
	if substep.Valid {
		i := int(substep.Int64)
		ev.SubstepIdx = &i
	}
	if duration.Valid {
		d := duration.Int64
		ev.Duration = &d
	}
	return ev, nil
}

// Close releases the database connection
func (s *SQL) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
