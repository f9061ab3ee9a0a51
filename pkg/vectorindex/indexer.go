package vectorindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/curie/internal/tracing"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultMaxFileBytes skips files larger than this when unset.
const DefaultMaxFileBytes = 256 * 1024

var (
	defaultExtensions = []string{
		".ts", ".tsx", ".js", ".jsx", ".mjs", ".css", ".json", ".md", ".go", ".py",
	}
	defaultIgnoreDirs = []string{
		".git", "node_modules", ".next", "dist", "build", "out", "vendor",
	}
)

// SummarizeFunc describes a file's content in prose. The summary, not the
// raw code, is what gets embedded.
type SummarizeFunc func(ctx context.Context, path, content string) (string, error)

// IndexerConfig configures an Indexer.
type IndexerConfig struct {
	Root         string
	Store        *Store
	Embedder     Embedder
	Summarize    SummarizeFunc // nil embeds the content itself
	Extensions   []string
	IgnoreDirs   []string
	MaxFileBytes int64
	Debounce     time.Duration
	Logger       *zerolog.Logger
}

// Report summarises one IndexDir pass.
type Report struct {
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

// Indexer keeps the store in sync with the files under Root. Entries are
// keyed by slash-separated path relative to Root.
type Indexer struct {
	root       string
	store      *Store
	embedder   Embedder
	summarize  SummarizeFunc
	extensions map[string]bool
	ignoreDirs map[string]bool
	maxBytes   int64
	debounce   time.Duration
	logger     zerolog.Logger

	syncMu  sync.Mutex
	watcher *FileWatcher
	cron    *cron.Cron
}

// NewIndexer creates an Indexer.
func NewIndexer(cfg IndexerConfig) (*Indexer, error) {
	if cfg.Store == nil {
		return nil, errors.New("vector store is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if cfg.Embedder.Dimension() != cfg.Store.Dimension() {
		return nil, fmt.Errorf("embedder dimension %d does not match index dimension %d",
			cfg.Embedder.Dimension(), cfg.Store.Dimension())
	}

	root := cfg.Root
	if root == "" {
		root = "."
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	exts := cfg.Extensions
	if len(exts) == 0 {
		exts = defaultExtensions
	}
	ignore := cfg.IgnoreDirs
	if len(ignore) == 0 {
		ignore = defaultIgnoreDirs
	}
	maxBytes := cfg.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}

	idx := &Indexer{
		root:       root,
		store:      cfg.Store,
		embedder:   cfg.Embedder,
		summarize:  cfg.Summarize,
		extensions: make(map[string]bool, len(exts)),
		ignoreDirs: make(map[string]bool, len(ignore)),
		maxBytes:   maxBytes,
		debounce:   cfg.Debounce,
		logger:     logger.With().Str("component", "indexer").Logger(),
	}
	for _, e := range exts {
		idx.extensions[strings.ToLower(e)] = true
	}
	for _, d := range ignore {
		idx.ignoreDirs[d] = true
	}
	return idx, nil
}

// Root returns the absolute directory being indexed.
func (idx *Indexer) Root() string { return idx.root }

func (idx *Indexer) accepts(path string) bool {
	return idx.extensions[strings.ToLower(filepath.Ext(path))]
}

func (idx *Indexer) skipDir(name string) bool {
	return idx.ignoreDirs[name]
}

// rel converts path (absolute or relative to Root) to an entry id, refusing
// paths outside Root.
func (idx *Indexer) rel(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(idx.root, path)
	}
	rel, err := filepath.Rel(idx.root, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", path, idx.root)
	}
	return filepath.ToSlash(rel), nil
}

// IndexFile summarises, embeds and stores one file. It reports false when
// the file is unchanged since it was last indexed.
func (idx *Indexer) IndexFile(ctx context.Context, path string) (indexed bool, err error) {
	id, err := idx.rel(path)
	if err != nil {
		return false, err
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerIndex, "vectorindex.index_file", attribute.String("file", id))
	defer func() { tracing.EndSpan(span, err) }()

	content, err := os.ReadFile(filepath.Join(idx.root, filepath.FromSlash(id)))
	if err != nil {
		return false, err
	}
	if int64(len(content)) > idx.maxBytes {
		return false, fmt.Errorf("%s exceeds %d bytes", id, idx.maxBytes)
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	if meta, ok, err := idx.store.Metadata(ctx, id); err == nil && ok && meta["hash"] == hash {
		return false, nil
	}

	text := string(content)
	summary := ""
	if idx.summarize != nil {
		summary, err = idx.summarize(ctx, id, text)
		if err != nil {
			return false, fmt.Errorf("failed to summarize %s: %w", id, err)
		}
		text = summary
	}
	if strings.TrimSpace(text) == "" {
		text = id
	}

	vector, err := EmbedText(ctx, idx.embedder, text)
	if err != nil {
		return false, fmt.Errorf("failed to embed %s: %w", id, err)
	}

	meta := map[string]any{
		"file":    id,
		"summary": summary,
		"hash":    hash,
		"root":    idx.root,
	}
	if _, err := idx.store.Upsert(ctx, [][]float32{vector}, []map[string]any{meta}, []string{id}); err != nil {
		return false, err
	}

	idx.logger.Debug().Str("file", id).Msg("File indexed")
	return true, nil
}

// Remove drops the entry of path.
func (idx *Indexer) Remove(ctx context.Context, path string) error {
	id, err := idx.rel(path)
	if err != nil {
		return err
	}
	return idx.store.Delete(ctx, []string{id})
}

// IndexDir indexes every eligible file under Root and removes entries of
// files that no longer exist.
func (idx *Indexer) IndexDir(ctx context.Context) (report Report, err error) {
	idx.syncMu.Lock()
	defer idx.syncMu.Unlock()

	ctx, span := tracing.StartSpan(ctx, tracing.TracerIndex, "vectorindex.index_dir", attribute.String("root", idx.root))
	defer func() { tracing.EndSpan(span, err) }()

	start := time.Now()
	seen := make(map[string]bool)

	err = filepath.WalkDir(idx.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != idx.root && idx.skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !idx.accepts(path) {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > idx.maxBytes {
			return nil
		}

		id, err := idx.rel(path)
		if err != nil {
			return err
		}
		seen[id] = true

		indexed, err := idx.IndexFile(ctx, id)
		switch {
		case err != nil:
			report.Failed++
			idx.logger.Warn().Err(err).Str("file", id).Msg("Failed to index file")
		case indexed:
			report.Indexed++
		default:
			report.Skipped++
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("failed to walk %s: %w", idx.root, err)
	}

	known, err := idx.store.IDs(ctx, "root", idx.root)
	if err != nil {
		return report, fmt.Errorf("failed to list indexed files: %w", err)
	}
	var stale []string
	for _, id := range known {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	if err := idx.store.Delete(ctx, stale); err != nil {
		return report, fmt.Errorf("failed to prune deleted files: %w", err)
	}
	report.Removed = len(stale)

	idx.logger.Info().
		Int("files_indexed", report.Indexed).
		Int("files_skipped", report.Skipped).
		Int("files_removed", report.Removed).
		Int("files_failed", report.Failed).
		Dur("duration", time.Since(start)).
		Msg("Index sync completed")

	return report, nil
}

// Watch re-indexes files as they change until Stop is called.
func (idx *Indexer) Watch() error {
	if idx.watcher != nil {
		return errors.New("indexer is already watching")
	}
	watcher, err := NewFileWatcher(idx.logger, idx.debounce, idx.accepts, idx.skipDir, idx.handleChanges)
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Watch(idx.root); err != nil {
		watcher.Stop()
		return fmt.Errorf("failed to watch %s: %w", idx.root, err)
	}
	idx.watcher = watcher
	idx.logger.Info().Str("root", idx.root).Msg("Watching workspace for changes")
	return nil
}

func (idx *Indexer) handleChanges(paths []string) {
	idx.syncMu.Lock()
	defer idx.syncMu.Unlock()

	ctx := context.Background()
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			if err := idx.Remove(ctx, path); err != nil {
				idx.logger.Warn().Err(err).Str("file", path).Msg("Failed to remove deleted file")
			}
			continue
		}
		if _, err := idx.IndexFile(ctx, path); err != nil {
			idx.logger.Warn().Err(err).Str("file", path).Msg("Failed to re-index file")
		}
	}
}

// StartResync runs IndexDir on a robfig/cron schedule, e.g. "@every 1h".
func (idx *Indexer) StartResync(schedule string) error {
	if idx.cron != nil {
		return errors.New("resync is already scheduled")
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := idx.IndexDir(context.Background()); err != nil {
			idx.logger.Error().Err(err).Msg("Scheduled index sync failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid resync schedule %q: %w", schedule, err)
	}
	c.Start()
	idx.cron = c
	return nil
}

// Stop ends watching and scheduled resyncs.
func (idx *Indexer) Stop() error {
	if idx.cron != nil {
		<-idx.cron.Stop().Done()
		idx.cron = nil
	}
	if idx.watcher != nil {
		err := idx.watcher.Stop()
		idx.watcher = nil
		return err
	}
	return nil
}
