package knowledge

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"uniq/internal/domain"
)

// ErrIndexCorrupt means the persisted index could not be parsed.
var ErrIndexCorrupt = errors.New("vector index corrupt")

// Mutation is one update cycle applied to the index: entries of every
// Delete source are removed, then Add entries are appended.
type Mutation struct {
	Delete []string
	Add    []domain.IndexEntry
}

// MutationResult reports what Apply changed.
type MutationResult struct {
	Removed int
	Added   int
	Total   int
}

// Index is the vector index manager. A single mutex guards load-if-absent,
// mutation, persistence, and search, so readers only ever see the index as it
// was before or after a whole Mutation.
//
// The on-disk form is JSON Lines, one domain.IndexEntry per line, rewritten
// wholesale through a temp file and rename after every change.
type Index struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	entries []domain.IndexEntry
	loaded  bool // entries reflect the file (or no file existed)
}

type IndexConfig struct {
	Path   string
	Logger *slog.Logger
}

func NewIndex(cfg IndexConfig) *Index {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Index{path: cfg.Path, logger: cfg.Logger}
}

// Load reads the persisted index, replacing in-memory state. A missing file
// yields an empty index.
func (x *Index) Load() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.loaded = false
	return x.ensureLoaded()
}

// ensureLoaded must be called with mu held.
func (x *Index) ensureLoaded() error {
	if x.loaded {
		return nil
	}
	entries, err := readIndexFile(x.path)
	if errors.Is(err, fs.ErrNotExist) {
		x.entries = nil
		x.loaded = true
		return nil
	}
	if err != nil {
		return err
	}
	x.entries = entries
	x.loaded = true
	x.logger.Info("vector index loaded", "path", x.path, "entries", len(entries))
	return nil
}

// Apply runs a Mutation and persists the result in one critical section.
// Deleting a source with no entries is a no-op. Nothing is written when the
// mutation changes nothing.
func (x *Index) Apply(m Mutation) (MutationResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.ensureLoaded(); err != nil {
		return MutationResult{}, err
	}

	targets := make(map[string]struct{}, len(m.Delete))
	for _, src := range m.Delete {
		targets[domain.SourceID(src)] = struct{}{}
	}

	next := x.entries
	removed := 0
	if len(targets) > 0 {
		next = make([]domain.IndexEntry, 0, len(x.entries)+len(m.Add))
		for _, e := range x.entries {
			if _, drop := targets[e.Chunk.Source]; drop {
				removed++
				continue
			}
			next = append(next, e)
		}
	}

	for _, e := range m.Add {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		next = append(next, e)
	}

	res := MutationResult{Removed: removed, Added: len(m.Add), Total: len(next)}
	if removed == 0 && len(m.Add) == 0 {
		return res, nil
	}

	if err := writeIndexFile(x.path, next); err != nil {
		return MutationResult{}, err
	}
	x.entries = next
	x.logger.Info("vector index persisted", "removed", removed, "added", len(m.Add), "entries", len(next))
	return res, nil
}

// AddOrReplace replaces every entry of the chunks' sources with new ones.
// chunks and embeddings are index-aligned.
func (x *Index) AddOrReplace(chunks []domain.Chunk, embeddings [][]float32) (MutationResult, error) {
	if len(chunks) != len(embeddings) {
		return MutationResult{}, fmt.Errorf("add: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}
	seen := make(map[string]struct{})
	var sources []string
	add := make([]domain.IndexEntry, len(chunks))
	for i, c := range chunks {
		if _, ok := seen[c.Source]; !ok {
			seen[c.Source] = struct{}{}
			sources = append(sources, c.Source)
		}
		add[i] = domain.IndexEntry{Vector: embeddings[i], Chunk: c}
	}
	return x.Apply(Mutation{Delete: sources, Add: add})
}

// DeleteBySource removes every entry of the file. The identifier may carry a
// known extension.
func (x *Index) DeleteBySource(fileName string) (int, error) {
	res, err := x.Apply(Mutation{Delete: []string{fileName}})
	return res.Removed, err
}

// Search returns the k entries most similar to query by cosine similarity,
// best first. Ties keep index order.
func (x *Index) Search(query []float32, k int) ([]domain.SearchHit, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.ensureLoaded(); err != nil {
		return nil, err
	}
	if k <= 0 || len(x.entries) == 0 {
		return nil, nil
	}

	qNorm := vectorNorm(query)
	hits := make([]domain.SearchHit, 0, len(x.entries))
	for _, e := range x.entries {
		if len(e.Vector) != len(query) {
			continue
		}
		hits = append(hits, domain.SearchHit{Chunk: e.Chunk, Score: cosineSimilarity(query, e.Vector, qNorm)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Stats is a snapshot of the index contents.
type Stats struct {
	Entries int      `json:"entries"`
	Sources []string `json:"sources"`
}

func (x *Index) Stats() (Stats, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ensureLoaded(); err != nil {
		return Stats{}, err
	}
	seen := make(map[string]struct{})
	var sources []string
	for _, e := range x.entries {
		if _, ok := seen[e.Chunk.Source]; !ok {
			seen[e.Chunk.Source] = struct{}{}
			sources = append(sources, e.Chunk.Source)
		}
	}
	sort.Strings(sources)
	return Stats{Entries: len(x.entries), Sources: sources}, nil
}

func readIndexFile(path string) ([]domain.IndexEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var entries []domain.IndexEntry
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry domain.IndexEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrIndexCorrupt, path, lineNo, err)
		}
		if entry.Chunk.Source == "" {
			entry.Chunk.Source = domain.SourceID(entry.Chunk.Meta.FileName)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrIndexCorrupt, path, err)
	}
	return entries, nil
}

func writeIndexFile(path string, entries []domain.IndexEntry) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".index-*.jsonl")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			tmp.Close()
			return fmt.Errorf("write index entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}

func cosineSimilarity(a, b []float32, normA float64) float64 {
	if normA == 0 {
		return 0
	}
	normB := vectorNorm(b)
	if normB == 0 {
		return 0
	}
	dot := 0.0
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (normA * normB)
}

func vectorNorm(v []float32) float64 {
	sum := 0.0
	for _, val := range v {
		sum += float64(val) * float64(val)
	}
	return math.Sqrt(sum)
}
