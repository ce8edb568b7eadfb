// Package vectorstore keeps embeddings for shared-document entries and
// answers nearest-neighbour queries by cosine distance.
//
// An Index is in memory; Open backs it with an SQLite table so entries
// survive restarts. Entries are append-only: adding an id twice keeps both.
package vectorstore

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrDimension is returned when a vector's length differs from the index's.
var ErrDimension = errors.New("vectorstore: dimension mismatch")

// Hit is one search result. Distance is 1 - cosine similarity, so 0 is an
// identical direction and 2 the opposite one.
type Hit struct {
	ID       string
	Distance float64
	Metadata string
}

type entry struct {
	id       string
	vector   []float32
	metadata string
}

// Index is a concurrency-safe embedding index.
type Index struct {
	mu      sync.RWMutex
	dim     int // fixed by the first Add; 0 while empty
	entries []entry
	db      *sql.DB // nil for a memory-only index
}

// New creates an empty in-memory index.
func New() *Index { return &Index{} }

// Open creates an index persisted in the SQLite database at path, loading
// any entries already stored there.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("vectorstore open: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("vectorstore open: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS vectors (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		embedding BLOB NOT NULL,
		metadata TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("vectorstore open: migrate: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.load(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *Index) load() error {
	rows, err := x.db.Query(`SELECT id, embedding, metadata FROM vectors ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("vectorstore load: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e    entry
			blob []byte
		)
		if err := rows.Scan(&e.id, &blob, &e.metadata); err != nil {
			return fmt.Errorf("vectorstore load: %w", err)
		}
		e.vector = decodeVector(blob)
		if x.dim == 0 {
			x.dim = len(e.vector)
		}
		if len(e.vector) != x.dim {
			return fmt.Errorf("vectorstore load: %w: %q has %d, index has %d", ErrDimension, e.id, len(e.vector), x.dim)
		}
		x.entries = append(x.entries, e)
	}
	return rows.Err()
}

// Add stores vector under id.
func (x *Index) Add(id string, vector []float32, metadata string) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimension)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.dim != 0 && len(vector) != x.dim {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimension, len(vector), x.dim)
	}
	e := entry{id: id, vector: append([]float32(nil), vector...), metadata: metadata}
	if x.db != nil {
		if _, err := x.db.Exec(`INSERT INTO vectors (id, embedding, metadata) VALUES (?, ?, ?)`,
			id, encodeVector(e.vector), metadata); err != nil {
			return fmt.Errorf("vectorstore add: %w", err)
		}
	}
	x.dim = len(vector)
	x.entries = append(x.entries, e)
	return nil
}

// Search returns up to limit entries nearest to query, closest first.
func (x *Index) Search(query []float32, limit int) ([]Hit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.dim != 0 && len(query) != x.dim {
		return nil, fmt.Errorf("%w: got %d, index has %d", ErrDimension, len(query), x.dim)
	}
	hits := make([]Hit, len(x.entries))
	for i, e := range x.entries {
		hits[i] = Hit{ID: e.id, Distance: 1 - CosineSimilarity(query, e.vector), Metadata: e.metadata}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if limit >= 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Len returns the number of stored entries.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Close releases the database of a persisted index.
func (x *Index) Close() error {
	if x.db == nil {
		return nil
	}
	return x.db.Close()
}

// CosineSimilarity computes the cosine similarity between two float32 vectors.
// Returns 0 for vectors of different lengths or zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 0, len(v)*4)
	for _, f := range v {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, 0, len(b)/4)
	for len(b) >= 4 {
		out = append(out, math.Float32frombits(binary.LittleEndian.Uint32(b[:4])))
		b = b[4:]
	}
	return out
}
