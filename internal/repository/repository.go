// Package repository provides the cost ledger persistence gateways.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/beefsync/costengine/internal/domain"
)

// SQLGateway implements domain.CostGateway using database/sql.
// Works with SQLite, PostgreSQL and MySQL drivers.
type SQLGateway struct {
	db     *sql.DB
	driver string
}

// New creates a gateway based on configuration.
func New(cfg domain.RepositoryConfig) (domain.CostGateway, error) {
	if cfg.Driver == "http" {
		return NewHTTPGateway(cfg.GatewayURL, cfg.GatewayTimeout)
	}

	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	case "mysql":
		db, err = openMySQL(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite stays on its single connection.
	if cfg.Driver != "sqlite" {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	gw := &SQLGateway{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := gw.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return gw, nil
}

func (g *SQLGateway) migrate() error {
	for _, schema := range AllSchemas(g.driver) {
		if _, err := g.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// Write stores one cost entry and returns its ID. Entries without an ID
// get a UUIDv7, which sorts in creation order.
func (g *SQLGateway) Write(ctx context.Context, entry *domain.CostEntry) (string, error) {
	if err := domain.ValidateEntry(entry); err != nil {
		return "", err
	}

	id := entry.ID
	if id == "" {
		v7, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("failed to generate entry ID: %w", err)
		}
		id = v7.String()
	}

	lineItems, err := json.Marshal(entry.LineItems)
	if err != nil {
		return "", fmt.Errorf("failed to encode line items: %w", err)
	}

	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	query := `
		INSERT INTO cost_entries (
			id, animal_id, category, subcategory, amount,
			entry_date, notes, line_items, reversal_of, created_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = g.db.ExecContext(ctx, g.rebind(query),
		id, entry.AnimalID, string(entry.Category), entry.Subcategory,
		entry.Amount.String(), entry.Date.UTC().Format(time.RFC3339Nano),
		entry.Notes, string(lineItems), nullable(entry.ReversalOf),
		created.UnixNano(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Query reads entries in creation order, optionally for one animal.
func (g *SQLGateway) Query(ctx context.Context, filter domain.CostFilter) ([]*domain.CostEntry, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT id, animal_id, category, subcategory, amount,
			   entry_date, notes, line_items, reversal_of, created_at_ns
		FROM cost_entries
	`)
	var args []any
	if filter.AnimalID != "" {
		b.WriteString(" WHERE animal_id = ?")
		args = append(args, filter.AnimalID)
	}
	b.WriteString(" ORDER BY created_at_ns, id")

	rows, err := g.db.QueryContext(ctx, g.rebind(b.String()), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.CostEntry
	for rows.Next() {
		var (
			e          domain.CostEntry
			category   string
			amount     string
			date       string
			notes      sql.NullString
			lineItems  sql.NullString
			reversalOf sql.NullString
			createdNs  int64
		)
		if err := rows.Scan(
			&e.ID, &e.AnimalID, &category, &e.Subcategory, &amount,
			&date, &notes, &lineItems, &reversalOf, &createdNs,
		); err != nil {
			return nil, err
		}

		e.Category = domain.CostCategory(category)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("entry %s: corrupt amount %q: %w", e.ID, amount, err)
		}
		if e.Date, err = time.Parse(time.RFC3339Nano, date); err != nil {
			return nil, fmt.Errorf("entry %s: corrupt date %q: %w", e.ID, date, err)
		}
		e.Notes = notes.String
		e.ReversalOf = reversalOf.String
		e.CreatedAt = time.Unix(0, createdNs).UTC()
		if lineItems.Valid && lineItems.String != "" && lineItems.String != "null" {
			if err := json.Unmarshal([]byte(lineItems.String), &e.LineItems); err != nil {
				return nil, fmt.Errorf("entry %s: failed to parse line items: %w", e.ID, err)
			}
		}

		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// Ping checks database connectivity.
func (g *SQLGateway) Ping(ctx context.Context) error {
	return g.db.PingContext(ctx)
}

// Close closes the database connection.
func (g *SQLGateway) Close() error {
	return g.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (g *SQLGateway) rebind(query string) string {
	if g.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
