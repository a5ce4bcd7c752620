package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// DefaultPageSize is the number of records grouped into one page.
const DefaultPageSize = 25

// Record is one serialized event as stored in the ledger. Data holds the
// exact bytes given to Append; re-reading a record returns them unchanged.
type Record struct {
	ID   uint64
	Data []byte
}

// Log is an append-only ledger of serialized events grouped into fixed-size
// pages. Records are keyed by a caller-assigned strictly increasing ID;
// page membership is derived from the ID so page boundaries are stable once
// written. Reads prefer whole cached pages and fall back to direct row
// lookups for the unfinished tail page.
type Log struct {
	db       *sql.DB
	pageSize uint64

	mu       sync.Mutex
	cache    map[uint64][]Record // complete pages only
	cacheSeq []uint64            // FIFO eviction order
	cacheCap int
}

// Options tune a Log. Zero values select defaults.
type Options struct {
	PageSize   int // records per page, default 25
	CachePages int // complete pages kept in memory, default 64
}

func New(db *sql.DB, opts Options) *Log {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	cacheCap := opts.CachePages
	if cacheCap <= 0 {
		cacheCap = 64
	}
	return &Log{
		db:       db,
		pageSize: uint64(pageSize),
		cache:    map[uint64][]Record{},
		cacheCap: cacheCap,
	}
}

// PageSize reports the configured records-per-page.
func (l *Log) PageSize() int {
	return int(l.pageSize)
}

func (l *Log) pageOf(id uint64) uint64 {
	return (id - 1) / l.pageSize
}

// Append persists one record. IDs must be assigned by the caller and start
// at 1; the ledger trusts them to be unique and increasing.
func (l *Log) Append(ctx context.Context, id uint64, data []byte) error {
	if id == 0 {
		return fmt.Errorf("record id must be >= 1")
	}
	if len(data) == 0 {
		return fmt.Errorf("record data is required")
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (id, page, data, created_at) VALUES (?, ?, ?, ?)`,
		int64(id), int64(l.pageOf(id)), data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert record %d: %w", id, err)
	}
	return nil
}

// NextID returns one past the highest persisted record ID, or 1 for an
// empty ledger.
func (l *Log) NextID(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&max); err != nil {
		return 0, fmt.Errorf("max record id: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return uint64(max.Int64) + 1, nil
}

// Count returns the number of persisted records.
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// ReadRange returns all records with from <= id <= to, in ID order. Whole
// pages are served from the cache when possible; pages read fully from the
// database are cached for later calls.
func (l *Log) ReadRange(ctx context.Context, from, to uint64) ([]Record, error) {
	if from == 0 {
		from = 1
	}
	if to < from {
		return nil, nil
	}

	var out []Record
	for page := l.pageOf(from); page <= l.pageOf(to); page++ {
		records, err := l.readPage(ctx, page)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if rec.ID >= from && rec.ID <= to {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// readPage returns every record on the given page, consulting the cache
// first. Only complete pages enter the cache; the tail page is re-read on
// every call.
func (l *Log) readPage(ctx context.Context, page uint64) ([]Record, error) {
	l.mu.Lock()
	if cached, ok := l.cache[page]; ok {
		l.mu.Unlock()
		return cached, nil
	}
	l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, data FROM events WHERE page = ? ORDER BY id ASC`, int64(page))
	if err != nil {
		return nil, fmt.Errorf("read page %d: %w", page, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, Record{ID: uint64(id), Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page %d: %w", page, err)
	}

	if uint64(len(records)) == l.pageSize {
		l.cachePage(page, records)
	}
	return records, nil
}

// Read returns the single record with the given ID, or sql.ErrNoRows.
func (l *Log) Read(ctx context.Context, id uint64) (Record, error) {
	page := l.pageOf(id)
	l.mu.Lock()
	if cached, ok := l.cache[page]; ok {
		l.mu.Unlock()
		for _, rec := range cached {
			if rec.ID == id {
				return rec, nil
			}
		}
		return Record{}, sql.ErrNoRows
	}
	l.mu.Unlock()

	var data []byte
	err := l.db.QueryRowContext(ctx, `SELECT data FROM events WHERE id = ?`, int64(id)).Scan(&data)
	if err != nil {
		return Record{}, err
	}
	return Record{ID: id, Data: data}, nil
}

func (l *Log) cachePage(page uint64, records []Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.cache[page]; ok {
		return
	}
	for len(l.cacheSeq) >= l.cacheCap {
		evict := l.cacheSeq[0]
		l.cacheSeq = l.cacheSeq[1:]
		delete(l.cache, evict)
	}
	l.cache[page] = records
	l.cacheSeq = append(l.cacheSeq, page)
}

// CachedPages reports how many complete pages are held in memory.
func (l *Log) CachedPages() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cache)
}
