package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"uniq/internal/domain"
)

var bucketEmbeddings = []byte("embeddings")

// CacheEntry is the unit stored per file-set hash: chunks and their vectors,
// index-aligned.
type CacheEntry struct {
	Chunks     []domain.Chunk `json:"chunks"`
	Embeddings [][]float32    `json:"embeddings"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ContentCache stores previously computed (chunk, embedding) pairs keyed by
// a file-set hash. Entries are never evicted; a changed file set produces a
// different key and simply misses.
type ContentCache struct {
	db *bbolt.DB
}

func OpenContentCache(path string) (*ContentCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEmbeddings)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &ContentCache{db: db}, nil
}

// Lookup returns the entry for key and whether it was found.
func (c *ContentCache) Lookup(key string) (CacheEntry, bool, error) {
	var entry CacheEntry
	found := false
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEmbeddings).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("read cache entry %s: %w", key, err)
	}
	return entry, found, nil
}

// Store writes the entry atomically under key.
func (c *ContentCache) Store(key string, chunks []domain.Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("cache store: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}
	data, err := json.Marshal(CacheEntry{Chunks: chunks, Embeddings: embeddings, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).Put([]byte(key), data)
	})
}

// Len returns the number of cached file sets.
func (c *ContentCache) Len() int {
	n := 0
	c.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEmbeddings).Stats().KeyN
		return nil
	})
	return n
}

func (c *ContentCache) Close() error {
	return c.db.Close()
}

// FileSetHash digests the sorted file identifiers. Content is not part of
// the key, so an edited file in an unchanged set returns the cached entry.
func FileSetHash(files []string) string {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, f := range sorted {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ContentSetHash is FileSetHash with a digest of each file's bytes mixed in.
func ContentSetHash(paths []string) (string, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, p := range sorted {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", err
		}
		sum := sha256.Sum256(data)
		h.Write([]byte(filepath.Base(p)))
		h.Write([]byte{0})
		h.Write(sum[:])
	}
	return "c:" + hex.EncodeToString(h.Sum(nil)), nil
}
