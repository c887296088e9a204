// Package memory — хранилище записей в оперативной памяти.
// Используется в тестах и в режиме без БД (database.url не задан).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xela07ax/spaceai-trustvault/internal/domain"
)

type RecordStore struct {
	mu      sync.RWMutex
	records map[string]*domain.Record
}

func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]*domain.Record)}
}

// WriteRecord вставляет новую запись или фиксирует переход существующей.
// Обновление допускается только из UNTRUSTED: терминальные записи неизменны.
func (s *RecordStore) WriteRecord(ctx context.Context, rec *domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.CheckInvariants(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[rec.ID]; ok {
		if cur.TrustLevel != domain.TrustUntrusted {
			return fmt.Errorf("%w: record %s is already %s", domain.ErrConflict, rec.ID, cur.TrustLevel)
		}
		if cur.Content != rec.Content {
			return fmt.Errorf("%w: content of record %s is write-once", domain.ErrConflict, rec.ID)
		}
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *RecordStore) ReadRecord(ctx context.Context, id string) (*domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: record %s", domain.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// ListRecordsByTrustLevel — самые старые записи уровня level, не более limit.
func (s *RecordStore) ListRecordsByTrustLevel(ctx context.Context, level domain.TrustLevel, limit int) ([]*domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*domain.Record, 0)
	for _, r := range s.records {
		if r.TrustLevel == level {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	sortOldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// QuarantinedIDs возвращает только идентификаторы: содержимое карантина не копируется.
func (s *RecordStore) QuarantinedIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0)
	for id, r := range s.records {
		if r.TrustLevel == domain.TrustQuarantined {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListRecords — страница читаемых записей. QUARANTINED не попадают никогда.
func (s *RecordStore) ListRecords(ctx context.Context, limit, offset int) ([]*domain.Record, error) {
	readable, _, err := s.LoadReadable(ctx)
	if err != nil {
		return nil, err
	}
	if offset >= len(readable) {
		return []*domain.Record{}, nil
	}
	readable = readable[offset:]
	if limit > 0 && len(readable) > limit {
		readable = readable[:limit]
	}
	return readable, nil
}

// LoadReadable возвращает все записи, кроме карантинных, и число пропущенных.
func (s *RecordStore) LoadReadable(ctx context.Context) ([]*domain.Record, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	out := make([]*domain.Record, 0, len(s.records))
	skipped := 0
	for _, r := range s.records {
		if r.TrustLevel == domain.TrustQuarantined {
			skipped++
			continue
		}
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	sortOldestFirst(out)
	return out, skipped, nil
}

func (s *RecordStore) Stats(ctx context.Context) (domain.TrustStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.TrustStats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st domain.TrustStats
	for _, r := range s.records {
		switch r.TrustLevel {
		case domain.TrustUntrusted:
			st.Untrusted++
		case domain.TrustValidated:
			st.Validated++
		case domain.TrustFlagged:
			st.Flagged++
		case domain.TrustQuarantined:
			st.Quarantined++
		}
	}
	return st, nil
}

func sortOldestFirst(recs []*domain.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
