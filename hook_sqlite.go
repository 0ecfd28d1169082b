package milterfrom

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const (
	sqliteVerdictQuery       string = "insert into verdicts (id, occurred_at, verdict, envelope_from, header_from) values ($1, $2, $3, $4, $5)"
	sqliteVerdictCreateTable string = `
	create table if not exists verdicts (
    id text primary key,
    occurred_at datetime default CURRENT_TIMESTAMP,
    verdict text,
    envelope_from text,
    header_from text
	)`
)

// HookSqlite records verdicts in a SQLite database.
type HookSqlite struct {
	DSN string

	pool *sql.DB // Database connection pool.
}

func (h *HookSqlite) Name() string {
	return "sqlite"
}

func (h *HookSqlite) conn() (*sql.DB, error) {
	if h.pool != nil {
		return h.pool, nil
	}

	if len(h.DSN) == 0 {
		return nil, fmt.Errorf("missing dsn for sqlite hook")
	}

	var err error
	h.pool, err = sql.Open("sqlite", h.DSN)
	if err != nil {
		return nil, fmt.Errorf("sql.Open error: %s", err)
	}

	return h.pool, nil
}

func (h *HookSqlite) AfterInit() {
	conn, err := h.conn()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}

	if _, err = conn.Exec(sqliteVerdictCreateTable); err != nil {
		fmt.Printf("[%s] db exec error: %s\n", h.Name(), err)
	}
}

func (h *HookSqlite) AfterVerdict(d *VerdictData) {
	conn, err := h.conn()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}

	_, err = conn.Exec(
		sqliteVerdictQuery,
		d.MsgID,
		d.OccurredAt.Format(TimeFormat),
		string(d.Verdict),
		d.EnvelopeFrom,
		d.HeaderFrom,
	)
	if err != nil {
		fmt.Printf("[%s] db exec error: %s\n", h.Name(), err)
	}
}
