// Package vectorindex stores file embeddings in sqlite through the sqlite-vec
// vec0 extension and keeps them in sync with a workspace.
//
// Invariants:
// - Every stored vector has exactly the dimension the store was opened with.
// - Upserts are applied in transactions of at most UpsertBatchSize vectors.
// - Query results are ordered by cosine distance, nearest first.
// - Metadata filters match on equality of top-level keys.
//
// Usage:
//
//	store, _ := vectorindex.Open(vectorindex.Config{Path: "data/index.db", Dimension: 1536})
//	idx := vectorindex.NewIndexer(vectorindex.IndexerConfig{Root: ".", Store: store, Embedder: emb, Summarize: sum})
//	_ = idx.IndexDir(ctx)
//	matches, _ := store.Query(ctx, vector, 5, nil)
package vectorindex
