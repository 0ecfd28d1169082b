package milterfrom

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

const (
	mysqlVerdictQuery       string = "insert into verdicts (id, occurred_at, verdict, envelope_from, header_from) values (?, ?, ?, ?, ?)"
	mysqlVerdictCreateTable string = `
	create table if not exists verdicts (
    id varchar(26) primary key,
    occurred_at datetime default CURRENT_TIMESTAMP,
    verdict varchar(16),
    envelope_from text,
    header_from text
	)`
)

// HookMysql records verdicts in a MySQL database.
type HookMysql struct {
	DSN string

	pool *sql.DB // Database connection pool.
}

func (h *HookMysql) Name() string {
	return "mysql"
}

func (h *HookMysql) conn() (*sql.DB, error) {
	if h.pool != nil {
		return h.pool, nil
	}

	if len(h.DSN) == 0 {
		return nil, fmt.Errorf("missing dsn for mysql hook")
	}

	var err error
	h.pool, err = sql.Open("mysql", h.DSN)
	if err != nil {
		return nil, fmt.Errorf("sql.Open error: %s", err)
	}

	return h.pool, nil
}

func (h *HookMysql) AfterInit() {
	conn, err := h.conn()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}

	if _, err = conn.Exec(mysqlVerdictCreateTable); err != nil {
		fmt.Printf("[%s] db exec error: %s\n", h.Name(), err)
	}
}

func (h *HookMysql) AfterVerdict(d *VerdictData) {
	conn, err := h.conn()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}

	_, err = conn.Exec(
		mysqlVerdictQuery,
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
