// Package store holds the retrieval indexes: the shared tokenizer, the
// segment-merged BM25 index, a bleve text index for exact-match narrowing,
// an HNSW vector store, and SQLite persistence for chunks and file state.
package store
