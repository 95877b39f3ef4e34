package output

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
)

// Postgres 运行摘要写入Postgres表，摘要存为JSONB
type Postgres struct {
	db    *sql.DB
	table string
}

// NewPostgres 连接Postgres并在表不存在时创建
func NewPostgres(ctx context.Context, c config.Postgres) (*Postgres, error) {
	db, err := sql.Open("postgres", c.DSN)
	if err != nil {
		return nil, fmt.Errorf("output: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("output: ping postgres: %w", err)
	}
	p := &Postgres{db: db, table: c.Table}
	if _, err := db.ExecContext(ctx, CreateTableQuery(p.table)); err != nil {
		db.Close()
		return nil, fmt.Errorf("output: create table %s: %w", p.table, err)
	}
	return p, nil
}

// CreateTableQuery 建表语句，表名经过引用转义
func CreateTableQuery(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id     TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			tls_id     TEXT NOT NULL,
			policy     TEXT NOT NULL,
			summary    JSONB NOT NULL
		)`, pq.QuoteIdentifier(table))
}

// InsertQuery 写入语句，同一run_id重复写入时覆盖摘要
func InsertQuery(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (run_id, created_at, tls_id, policy, summary)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE SET summary = EXCLUDED.summary`, pq.QuoteIdentifier(table))
}

func (p *Postgres) Name() string {
	return "postgres:" + p.table
}

func (p *Postgres) WriteSummary(ctx context.Context, r Record) error {
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return fmt.Errorf("output: marshal summary: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, InsertQuery(p.table), r.RunID, r.CreatedAt, r.TlsID, r.Policy, summary); err != nil {
		return fmt.Errorf("output: insert run %s into postgres: %w", r.RunID, err)
	}
	return nil
}

func (p *Postgres) Close(context.Context) error {
	return p.db.Close()
}
