// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

// Package journal keeps an append-only audit trail of trust decisions in a
// SQL database (SQLite, PostgreSQL or MySQL) through Bun.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/toeirei/keytrust/internal/truststore"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	// PostgreSQL driver; the MySQL one registers through the import above.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// sqlOpenFunc allows tests to override database opening behavior.
var sqlOpenFunc = sql.Open

// DecisionModel maps the trust_decisions table.
type DecisionModel struct {
	bun.BaseModel `bun:"table:trust_decisions"`
	ID            int64     `bun:"id,pk,autoincrement"`
	At            time.Time `bun:"at,notnull"`
	Username      string    `bun:"username"`
	Action        string    `bun:"action,notnull"`
	Host          string    `bun:"host"`
	Port          int       `bun:"port"`
	Permanent     bool      `bun:"permanent"`
	TrustSANs     bool      `bun:"trust_sans"`
	Fingerprint   string    `bun:"fingerprint"`
}

// Entry is one journal row.
type Entry struct {
	ID       int64
	Username string
	truststore.Decision
}

// Journal writes decisions to the trust_decisions table. It implements
// truststore.Journal.
type Journal struct {
	db       *bun.DB
	dbType   string
	username string
}

// Open connects to dbType ("sqlite", "postgres" or "mysql") and creates the
// table if needed.
func Open(ctx context.Context, dbType, dsn string) (*Journal, error) {
	driverName := dbType
	switch dbType {
	case "sqlite":
	case "postgres":
		// The pgx stdlib registers driver name "pgx".
		driverName = "pgx"
	case "mysql":
	default:
		return nil, fmt.Errorf("unsupported journal database type: '%s'", dbType)
	}

	sqlDB, err := sqlOpenFunc(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	// Each connection to ":memory:" would get its own database.
	if dbType == "sqlite" && dsn == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	j := &Journal{db: createBunDB(sqlDB, dbType), dbType: dbType, username: currentUsername()}
	if err := j.migrate(ctx); err != nil {
		_ = j.db.Close()
		return nil, fmt.Errorf("failed to create journal table: %w", err)
	}
	return j, nil
}

// createBunDB constructs a *bun.DB for the provided *sql.DB and dbType.
func createBunDB(sqlDB *sql.DB, dbType string) *bun.DB {
	switch dbType {
	case "postgres":
		return bun.NewDB(sqlDB, pgdialect.New())
	case "mysql":
		return bun.NewDB(sqlDB, mysqldialect.New())
	default:
		return bun.NewDB(sqlDB, sqlitedialect.New())
	}
}

func (j *Journal) migrate(ctx context.Context) error {
	if _, err := j.db.NewCreateTable().Model((*DecisionModel)(nil)).IfNotExists().Exec(ctx); err != nil {
		return err
	}
	_, err := j.db.NewCreateIndex().
		Model((*DecisionModel)(nil)).
		Index("trust_decisions_endpoint_idx").
		IfNotExists().
		Column("host", "port").
		Exec(ctx)
	if j.dbType == "mysql" && isDuplicateKeyName(err) {
		// MySQL has no CREATE INDEX IF NOT EXISTS; a second run fails with a
		// duplicate key name.
		return nil
	}
	return err
}

// mysqlDupKeyName is ER_DUP_KEYNAME.
const mysqlDupKeyName = 1061

func isDuplicateKeyName(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDupKeyName
}

// currentUsername returns the OS user without a Windows domain prefix.
func currentUsername() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	if parts := strings.Split(u.Username, `\`); len(parts) > 1 {
		return parts[1]
	}
	return u.Username
}

// Record inserts d.
func (j *Journal) Record(d truststore.Decision) error {
	return j.RecordContext(context.Background(), d)
}

// RecordContext inserts d using ctx.
func (j *Journal) RecordContext(ctx context.Context, d truststore.Decision) error {
	at := d.At
	if at.IsZero() {
		at = time.Now()
	}
	m := &DecisionModel{
		At:          at.UTC(),
		Username:    j.username,
		Action:      string(d.Action),
		Host:        d.Host,
		Port:        d.Port,
		Permanent:   d.Permanent,
		TrustSANs:   d.TrustSANs,
		Fingerprint: d.Fingerprint,
	}
	if _, err := j.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	return nil
}

// Filter narrows Recent. Zero fields match everything.
type Filter struct {
	Host  string
	Port  int
	Limit int
}

// Recent returns the newest entries first.
func (j *Journal) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	var rows []DecisionModel
	q := j.db.NewSelect().Model(&rows).OrderExpr("id DESC")
	if f.Host != "" {
		q = q.Where("host = ?", f.Host)
	}
	if f.Port != 0 {
		q = q.Where("port = ?", f.Port)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry{
			ID:       r.ID,
			Username: r.Username,
			Decision: truststore.Decision{
				Action:      truststore.Action(r.Action),
				Host:        r.Host,
				Port:        r.Port,
				Permanent:   r.Permanent,
				TrustSANs:   r.TrustSANs,
				Fingerprint: r.Fingerprint,
				At:          r.At,
			},
		})
	}
	return out, nil
}

// Prune deletes entries recorded before cutoff and reports how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.NewDelete().Model((*DecisionModel)(nil)).Where("at < ?", cutoff.UTC()).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("journal prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
