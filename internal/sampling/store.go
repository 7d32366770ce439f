package sampling

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/rs/zerolog"
)

// Store is a DuckDB-backed table of resolved samples, adapted from the
// teacher's continuous-profiling storage (frame dictionary plus a
// samples table keyed for upsert-style aggregation), so a loaded capture
// can be queried offline with SQL once post-processing has resolved its
// callstacks (supplements, see SPEC_FULL.md). Unlike the
// teacher's storage, which opens its database through a helper that also
// wires the VSS/HNSW vector-search extension, Open here goes straight to
// database/sql: vector search has no role in profiling data.
type Store struct {
	db *sql.DB
	logger zerolog.Logger
	mu sync.Mutex

	frameDictCache map[string]int64
	nextFrameID int64
}

// Open returns a Store backed by the DuckDB file at dsn (":memory:" for
// an ephemeral in-process database).
func Open(dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb at %q: %w", dsn, err)
	}

	s := &Store{
		db: db,
		logger: logger.With().Str("component", "sampling_store").Logger(),
		frameDictCache: make(map[string]int64),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadFrameDictionary(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sampling_frame_dictionary_local (
			frame_id INTEGER PRIMARY KEY,
			function_address BIGINT UNIQUE NOT NULL
		);

		CREATE TABLE IF NOT EXISTS resolved_samples_local (
			capture_id TEXT NOT NULL,
			tid BIGINT NOT NULL,
			callstack_id UBIGINT NOT NULL,
			frame_ids INTEGER[] NOT NULL,
			sample_count BIGINT NOT NULL,
			PRIMARY KEY (capture_id, tid, callstack_id)
		);
		CREATE INDEX IF NOT EXISTS idx_resolved_samples_tid
			ON resolved_samples_local (tid);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init sampling store schema: %w", err)
	}
	return nil
}

func (s *Store) loadFrameDictionary() error {
	rows, err := s.db.Query("SELECT frame_id, function_address FROM sampling_frame_dictionary_local")
	if err != nil {
		return fmt.Errorf("query frame dictionary: %w", err)
	}
	defer rows.Close()

	maxID := int64(0)
	for rows.Next() {
		var frameID int64
		var addr uint64
		if err := rows.Scan(&frameID, &addr); err != nil {
			return fmt.Errorf("scan frame dictionary row: %w", err)
		}
		s.frameDictCache[strconv.FormatUint(addr, 10)] = frameID
		if frameID > maxID {
			maxID = frameID
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate frame dictionary: %w", err)
	}
	s.nextFrameID = maxID + 1
	return nil
}

func (s *Store) frameIDFor(ctx context.Context, tx *sql.Tx, functionAddress uint64) (int64, error) {
	key := strconv.FormatUint(functionAddress, 10)
	if id, ok := s.frameDictCache[key]; ok {
		return id, nil
	}

	id := s.nextFrameID
	s.nextFrameID++
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO sampling_frame_dictionary_local (frame_id, function_address) VALUES (?, ?)",
		id, functionAddress); err != nil {
		return 0, fmt.Errorf("insert frame dictionary entry: %w", err)
	}
	s.frameDictCache[key] = id
	return id, nil
}

// int64ArrayLiteral renders ids as a DuckDB LIST literal, since the
// driver's parameter binding does not support []int64 directly (the same
// constraint the teacher's duckdb.Int64ArrayToString works around).
func int64ArrayLiteral(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// StoreResolvedCallstacks persists data's resolved callstacks for tid
// under captureID, one row per distinct callstack with its observed
// sample count, so they survive the process and can be queried later.
func (s *Store) StoreResolvedCallstacks(ctx context.Context, captureID string, tid TID, data *PostProcessedSamplingData, counts map[uint64]uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for callstackID, resolved := range data.idToResolvedCallstack {
		frameIDs := make([]int64, len(resolved.Frames))
		for i, addr := range resolved.Frames {
			id, err := s.frameIDFor(ctx, tx, addr)
			if err != nil {
				return err
			}
			frameIDs[i] = id
		}

		count := counts[callstackID]

		// #nosec G202 - int64ArrayLiteral renders only digits and
		// brackets from already-resolved internal frame ids, never
		// external input.
		query := `
			INSERT INTO resolved_samples_local (capture_id, tid, callstack_id, frame_ids, sample_count)
			VALUES (?, ?, ?, ` + int64ArrayLiteral(frameIDs) + `, ?)
			ON CONFLICT (capture_id, tid, callstack_id)
			DO UPDATE SET sample_count = resolved_samples_local.sample_count + EXCLUDED.sample_count
		`
		if _, err := tx.ExecContext(ctx, query, captureID, int64(tid), callstackID, count); err != nil {
			return fmt.Errorf("store resolved callstack %d: %w", callstackID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit resolved callstacks: %w", err)
	}
	return nil
}

// QueryTopFunctionsByTid returns, for tid within captureID, the up to
// limit leaf frame addresses (each row's frame_ids[1]) with the highest
// summed sample_count, mapped to those sums. The map carries no order.
func (s *Store) QueryTopFunctionsByTid(ctx context.Context, captureID string, tid TID, limit int) (map[uint64]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT frame_ids[1] AS leaf_frame_id, SUM(sample_count) AS total
		FROM resolved_samples_local
		WHERE capture_id = ? AND tid = ?
		GROUP BY leaf_frame_id
		ORDER BY total DESC
		LIMIT ?
	`, captureID, int64(tid), limit)
	if err != nil {
		return nil, fmt.Errorf("query top functions: %w", err)
	}
	defer rows.Close()

	addrByFrameID := make(map[int64]uint64, len(s.frameDictCache))
	for addrStr, frameID := range s.frameDictCache {
		addr, err := strconv.ParseUint(addrStr, 10, 64)
		if err != nil {
			continue
		}
		addrByFrameID[frameID] = addr
	}

	out := make(map[uint64]uint64)
	for rows.Next() {
		var frameID int64
		var total uint64
		if err := rows.Scan(&frameID, &total); err != nil {
			return nil, fmt.Errorf("scan top function row: %w", err)
		}
		if addr, ok := addrByFrameID[frameID]; ok {
			out[addr] = total
		}
	}
	return out, rows.Err()
}
