package postgres

/*
Файл record_repo.go — долговременное хранение записей знаний и их
зашифрованных фрагментов. Монотонность автомата доверия обеспечивается здесь:
обновить можно только запись, которая в базе все еще UNTRUSTED.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/spaceai-trustvault/internal/domain"
)

const recordColumns = `id, created_at, content, sanitized_content, trust_level, source, tags, metadata, validated_at`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type RecordRepo struct {
	pool *pgxpool.Pool
}

func NewRecordRepo(pool *pgxpool.Pool) *RecordRepo {
	return &RecordRepo{pool: pool}
}

// Ping проверяет доступность базы.
func (r *RecordRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WriteRecord — одна транзакция на запись вместе с фрагментами.
// Новая запись вставляется; существующая обновляется только из UNTRUSTED,
// иначе ErrConflict и база не меняется.
func (r *RecordRepo) WriteRecord(ctx context.Context, rec *domain.Record) error {
	if err := rec.CheckInvariants(); err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // после Commit это no-op

	var storedLevel, storedContent string
	err = tx.QueryRow(ctx,
		`SELECT trust_level, content FROM knowledge_records WHERE id = $1 FOR UPDATE`, rec.ID,
	).Scan(&storedLevel, &storedContent)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if err := insertRecord(ctx, tx, rec); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("postgres: lock record %s: %w", rec.ID, err)
	default:
		if domain.TrustLevel(storedLevel) != domain.TrustUntrusted {
			return fmt.Errorf("%w: record %s is already %s", domain.ErrConflict, rec.ID, storedLevel)
		}
		if storedContent != rec.Content {
			return fmt.Errorf("%w: content of record %s is write-once", domain.ErrConflict, rec.ID)
		}
		// Условие по trust_level повторяет проверку выше на уровне самой базы
		ct, err := tx.Exec(ctx, `
			UPDATE knowledge_records
			SET trust_level = $2, sanitized_content = $3, validated_at = $4
			WHERE id = $1 AND trust_level = 'UNTRUSTED'`,
			rec.ID, string(rec.TrustLevel), rec.SanitizedContent, rec.ValidatedAt)
		if err != nil {
			return fmt.Errorf("postgres: update record %s: %w", rec.ID, err)
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("%w: record %s changed concurrently", domain.ErrConflict, rec.ID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM vaulted_patterns WHERE record_id = $1`, rec.ID); err != nil {
			return fmt.Errorf("postgres: clear patterns %s: %w", rec.ID, err)
		}
	}

	if err := copyPatterns(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit record %s: %w", rec.ID, err)
	}
	return nil
}

// limitArg: LIMIT NULL в Postgres означает "без ограничения".
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func insertRecord(ctx context.Context, tx pgx.Tx, rec *domain.Record) error {
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO knowledge_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.CreatedAt, rec.Content, rec.SanitizedContent, string(rec.TrustLevel),
		rec.Source, tags, meta, rec.ValidatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: record %s already exists", domain.ErrConflict, rec.ID)
		}
		return fmt.Errorf("postgres: insert record %s: %w", rec.ID, err)
	}
	return nil
}

// copyPatterns пишет фрагменты через COPY: их число ограничено числом находок.
func copyPatterns(ctx context.Context, tx pgx.Tx, rec *domain.Record) error {
	if len(rec.VaultedPatterns) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"vaulted_patterns"},
		[]string{"record_id", "reference", "description", "severity", "span_offset", "span_length",
			"ciphertext", "iv", "auth_tag", "key_derivation_salt"},
		pgx.CopyFromSlice(len(rec.VaultedPatterns), func(i int) ([]any, error) {
			p := rec.VaultedPatterns[i]
			return []any{rec.ID, p.Reference, p.Description, p.Severity.String(), int32(p.Offset), int32(p.Length),
				p.Ciphertext, p.IV, p.AuthTag, p.KeyDerivationSalt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("postgres: copy patterns %s: %w", rec.ID, err)
	}
	return nil
}

func (r *RecordRepo) ReadRecord(ctx context.Context, id string) (*domain.Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+` FROM knowledge_records WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: read record %s: %w", id, err)
	}
	recs, err := r.collect(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: record %s", domain.ErrNotFound, id)
	}
	return recs[0], nil
}

// ListRecordsByTrustLevel — очередь валидатора, самые старые первыми.
func (r *RecordRepo) ListRecordsByTrustLevel(ctx context.Context, level domain.TrustLevel, limit int) ([]*domain.Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM knowledge_records
		WHERE trust_level = $1
		ORDER BY created_at, id
		LIMIT $2`, string(level), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s records: %w", level, err)
	}
	return r.collect(ctx, rows)
}

// QuarantinedIDs читает только id: содержимое карантина не покидает базу.
func (r *RecordRepo) QuarantinedIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM knowledge_records WHERE trust_level = 'QUARANTINED' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list quarantined ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan quarantined ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// ListRecords — страница читаемых записей. Карантин отсекается в самом запросе.
func (r *RecordRepo) ListRecords(ctx context.Context, limit, offset int) ([]*domain.Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM knowledge_records
		WHERE trust_level <> 'QUARANTINED'
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2`, limitArg(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list records: %w", err)
	}
	return r.collect(ctx, rows)
}

// LoadReadable выполняет "холодную загрузку" рабочего набора при старте.
// Карантинные записи не покидают базу: возвращается только их количество.
func (r *RecordRepo) LoadReadable(ctx context.Context) ([]*domain.Record, int, error) {
	var skipped int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_records WHERE trust_level = 'QUARANTINED'`,
	).Scan(&skipped); err != nil {
		return nil, 0, fmt.Errorf("postgres: count quarantined: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM knowledge_records
		WHERE trust_level <> 'QUARANTINED'
		ORDER BY created_at, id`)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: load readable: %w", err)
	}
	recs, err := r.collect(ctx, rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, skipped, nil
}

func (r *RecordRepo) Stats(ctx context.Context) (domain.TrustStats, error) {
	var st domain.TrustStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE trust_level = 'UNTRUSTED'),
			COUNT(*) FILTER (WHERE trust_level = 'VALIDATED'),
			COUNT(*) FILTER (WHERE trust_level = 'FLAGGED'),
			COUNT(*) FILTER (WHERE trust_level = 'QUARANTINED')
		FROM knowledge_records`).Scan(&st.Untrusted, &st.Validated, &st.Flagged, &st.Quarantined)
	if err != nil {
		return st, fmt.Errorf("postgres: trust stats: %w", err)
	}
	return st, nil
}

// collect сканирует строки записей и подтягивает фрагменты FLAGGED одним запросом.
func (r *RecordRepo) collect(ctx context.Context, rows pgx.Rows) ([]*domain.Record, error) {
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	recs := make([]*domain.Record, 0)
	var flagged []string
	for rows.Next() {
		var (
			rec   domain.Record
			level string
		)
		if err := rows.Scan(&rec.ID, &rec.CreatedAt, &rec.Content, &rec.SanitizedContent, &level,
			&rec.Source, &rec.Tags, &rec.Metadata, &rec.ValidatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		tl, err := domain.ParseTrustLevel(level)
		if err != nil {
			return nil, err
		}
		rec.TrustLevel = tl
		// Пустые колонки хранятся как '{}' и читаются обратно как nil
		if len(rec.Tags) == 0 {
			rec.Tags = nil
		}
		if len(rec.Metadata) == 0 {
			rec.Metadata = nil
		}
		if tl == domain.TrustFlagged {
			flagged = append(flagged, rec.ID)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	if len(flagged) == 0 {
		return recs, nil
	}

	patterns, err := loadPatterns(ctx, r.pool, flagged)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if ps, ok := patterns[rec.ID]; ok {
			rec.VaultedPatterns = ps
		}
	}
	return recs, nil
}

func loadPatterns(ctx context.Context, q querier, ids []string) (map[string][]domain.VaultedPattern, error) {
	rows, err := q.Query(ctx, `
		SELECT record_id, reference, description, severity, span_offset, span_length,
		       ciphertext, iv, auth_tag, key_derivation_salt
		FROM vaulted_patterns
		WHERE record_id = ANY($1)
		ORDER BY record_id, span_offset`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: load patterns: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.VaultedPattern, len(ids))
	for rows.Next() {
		var (
			recordID, severity string
			offset, length     int32
			p                  domain.VaultedPattern
		)
		if err := rows.Scan(&recordID, &p.Reference, &p.Description, &severity, &offset, &length,
			&p.Ciphertext, &p.IV, &p.AuthTag, &p.KeyDerivationSalt); err != nil {
			return nil, fmt.Errorf("postgres: scan pattern: %w", err)
		}
		sev, err := domain.ParseSeverity(severity)
		if err != nil {
			return nil, fmt.Errorf("postgres: pattern %s/%s: %w", recordID, p.Reference, err)
		}
		p.Severity = sev
		p.Offset = int(offset)
		p.Length = int(length)
		out[recordID] = append(out[recordID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}
