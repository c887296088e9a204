package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/spaceai-trustvault/internal/audit"
)

// SecurityEventRepo — приемник журнала аудита (audit.StorageInterface).
type SecurityEventRepo struct {
	pool *pgxpool.Pool
}

func NewSecurityEventRepo(pool *pgxpool.Pool) *SecurityEventRepo {
	return &SecurityEventRepo{pool: pool}
}

func (r *SecurityEventRepo) WriteBatch(ctx context.Context, events []audit.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице security_events
	const numFields = 7
	var placeholders strings.Builder
	vals := make([]any, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		if i > 0 {
			placeholders.WriteString(",")
		}
		fmt.Fprintf(&placeholders, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)", p+1, p+2, p+3, p+4, p+5, p+6, p+7)

		details, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("postgres: marshal event %s details: %w", e.ID, err)
		}
		vals = append(vals, e.ID, e.Type, e.Severity, e.Source, details, e.TraceID, e.Timestamp)
	}

	query := "INSERT INTO security_events (id, type, severity, source, details, trace_id, created_at) VALUES " +
		placeholders.String() + " ON CONFLICT (id) DO NOTHING"

	if _, err := r.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write %d security events: %w", len(events), err)
	}
	return nil
}

// ListEvents — последние события, новые первыми. Пустой eventType — все типы.
func (r *SecurityEventRepo) ListEvents(ctx context.Context, eventType string, limit int) ([]audit.SecurityEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, type, severity, source, details, trace_id, created_at
		FROM security_events
		WHERE ($1::text = '' OR type = $1)
		ORDER BY created_at DESC
		LIMIT $2`, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list security events: %w", err)
	}
	defer rows.Close()

	var out []audit.SecurityEvent
	for rows.Next() {
		var (
			e       audit.SecurityEvent
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Severity, &e.Source, &details, &e.TraceID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan security event: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("postgres: decode event %s details: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
