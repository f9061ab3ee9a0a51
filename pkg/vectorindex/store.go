package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/curie/internal/observability"
	"github.com/harun/curie/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

func init() {
	sqlite_vec.Auto()
}

const (
	// UpsertBatchSize is the number of vectors written per transaction.
	UpsertBatchSize = 100

	// DefaultDimension matches text-embedding-3-small.
	DefaultDimension = 1536
)

var filterKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// Match is one query result.
type Match struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Distance float64        `json:"distance"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Stats describes the index contents.
type Stats struct {
	Count     int `json:"count"`
	Dimension int `json:"dimension"`
}

// Config holds store configuration.
type Config struct {
	Path      string
	Dimension int
	Logger    *zerolog.Logger
}

// Store is a vec0-backed vector table with JSON metadata per entry.
type Store struct {
	db        *sql.DB
	dimension int
	logger    zerolog.Logger
	now       func() time.Time
}

// Open opens (creating if needed) the index at cfg.Path.
func Open(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("index path is required")
	}
	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:        db,
		dimension: dimension,
		logger:    logger.With().Str("component", "vectorindex").Logger(),
		now:       time.Now,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if stats, err := s.Stats(context.Background()); err == nil {
		observability.SetVectorEntries(stats.Count)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			metadata TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS vectors USING vec0(
			id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, s.dimension)
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// An existing index keeps the dimension it was created with.
	var stored string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = 'dimension'").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec("INSERT INTO settings (key, value) VALUES ('dimension', ?)", fmt.Sprint(s.dimension))
		return err
	case err != nil:
		return err
	case stored != fmt.Sprint(s.dimension):
		return fmt.Errorf("index was created with dimension %s, not %d", stored, s.dimension)
	}
	return nil
}

// Dimension returns the vector length this store accepts.
func (s *Store) Dimension() int { return s.dimension }

// Upsert writes vectors with their metadata. When ids is nil, timestamp
// derived ids are generated. The ids used are returned in input order.
func (s *Store) Upsert(ctx context.Context, vectors [][]float32, metadata []map[string]any, ids []string) (used []string, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerIndex, "vectorindex.upsert", attribute.Int("vectors", len(vectors)))
	defer func() { tracing.EndSpan(span, err) }()

	if metadata != nil && len(metadata) != len(vectors) {
		return nil, fmt.Errorf("got %d metadata entries for %d vectors", len(metadata), len(vectors))
	}
	if ids == nil {
		ids = s.generateIDs(len(vectors))
	} else if len(ids) != len(vectors) {
		return nil, fmt.Errorf("got %d ids for %d vectors", len(ids), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != s.dimension {
			return nil, fmt.Errorf("vector %s has dimension %d, want %d", ids[i], len(v), s.dimension)
		}
		if ids[i] == "" {
			return nil, fmt.Errorf("vector %d has an empty id", i)
		}
	}

	for start := 0; start < len(vectors); start += UpsertBatchSize {
		end := min(start+UpsertBatchSize, len(vectors))
		var meta []map[string]any
		if metadata != nil {
			meta = metadata[start:end]
		}
		if err := s.upsertBatch(ctx, vectors[start:end], meta, ids[start:end]); err != nil {
			return nil, fmt.Errorf("failed to upsert batch at %d: %w", start, err)
		}
	}

	s.refreshEntries(ctx)
	s.logger.Debug().Int("vectors", len(vectors)).Msg("Vectors upserted")
	return ids, nil
}

func (s *Store) upsertBatch(ctx context.Context, vectors [][]float32, metadata []map[string]any, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	updatedAt := s.now().Unix()
	for i, v := range vectors {
		blob, err := sqlite_vec.SerializeFloat32(v)
		if err != nil {
			return fmt.Errorf("failed to serialize vector %s: %w", ids[i], err)
		}

		meta := map[string]any{}
		if metadata != nil && metadata[i] != nil {
			meta = metadata[i]
		}
		rawMeta, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata of %s: %w", ids[i], err)
		}

		// vec0 tables do not support upsert syntax.
		if _, err := tx.ExecContext(ctx, "DELETE FROM vectors WHERE id = ?", ids[i]); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO vectors (id, embedding) VALUES (?, ?)", ids[i], blob); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO entries (id, metadata, updated_at) VALUES (?, ?, ?)",
			ids[i], string(rawMeta), updatedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) generateIDs(n int) []string {
	stamp := s.now().UnixNano()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d_%d", stamp, i)
	}
	return ids
}

// Query returns the topK entries nearest to vector whose metadata matches
// every key of filter.
func (s *Store) Query(ctx context.Context, vector []float32, topK int, filter map[string]any) (matches []Match, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerIndex, "vectorindex.query", attribute.Int("top_k", topK))
	start := time.Now()
	defer func() {
		observability.RecordVectorQuery(time.Since(start))
		tracing.EndSpan(span, err)
	}()

	if len(vector) != s.dimension {
		return nil, fmt.Errorf("query vector has dimension %d, want %d", len(vector), s.dimension)
	}
	if topK <= 0 {
		topK = 5
	}
	blob, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query vector: %w", err)
	}

	where, args, err := filterClause(filter)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT v.id, vec_distance_cosine(v.embedding, ?) AS distance, e.metadata
		FROM vectors v
		JOIN entries e ON e.id = v.id` + where + `
		ORDER BY distance ASC
		LIMIT ?`
	queryArgs := append([]any{blob}, args...)
	queryArgs = append(queryArgs, topK)

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m Match
		var rawMeta string
		if err := rows.Scan(&m.ID, &m.Distance, &rawMeta); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rawMeta), &m.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for %s: %w", m.ID, err)
		}
		m.Score = 1 - m.Distance
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func filterClause(filter map[string]any) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		if !filterKeyPattern.MatchString(k) {
			return "", nil, fmt.Errorf("invalid filter key %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		v := filter[k]
		switch val := v.(type) {
		case bool:
			if val {
				v = 1
			} else {
				v = 0
			}
		case string, int, int64, float64:
		default:
			return "", nil, fmt.Errorf("unsupported filter value for %q: %T", k, v)
		}
		clauses = append(clauses, "json_extract(e.metadata, '$."+k+"') = ?")
		args = append(args, v)
	}
	return "\n\t\tWHERE " + strings.Join(clauses, " AND "), args, nil
}

// Delete removes ids; unknown ids are ignored.
func (s *Store) Delete(ctx context.Context, ids []string) (err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerIndex, "vectorindex.delete", attribute.Int("ids", len(ids)))
	defer func() { tracing.EndSpan(span, err) }()

	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM vectors WHERE id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.refreshEntries(ctx)
	return nil
}

// IDs returns every stored id whose metadata key equals value.
func (s *Store) IDs(ctx context.Context, key string, value any) ([]string, error) {
	where, args, err := filterClause(map[string]any{key: value})
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT e.id FROM entries e"+where+" ORDER BY e.id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Metadata returns the metadata stored for id.
func (s *Store) Metadata(ctx context.Context, id string) (map[string]any, bool, error) {
	var rawMeta string
	err := s.db.QueryRowContext(ctx, "SELECT metadata FROM entries WHERE id = ?", id).Scan(&rawMeta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
		return nil, false, fmt.Errorf("corrupt metadata for %s: %w", id, err)
	}
	return meta, true, nil
}

// Stats reports the number of stored vectors.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&count); err != nil {
		return Stats{}, err
	}
	return Stats{Count: count, Dimension: s.dimension}, nil
}

func (s *Store) refreshEntries(ctx context.Context) {
	stats, err := s.Stats(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to count index entries")
		return
	}
	observability.SetVectorEntries(stats.Count)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
