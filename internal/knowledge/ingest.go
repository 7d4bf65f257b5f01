package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"uniq/internal/domain"
	"uniq/internal/metrics"
)

// UpdateRequest names the files touched since the last cycle. Names are base
// file names inside the documents directory.
type UpdateRequest struct {
	NewFiles     []string `json:"new_files"`
	UpdatedFiles []string `json:"updated_files"`
	DeletedFiles []string `json:"deleted_files"`
}

// Empty reports whether the request names no file at all.
func (r UpdateRequest) Empty() bool {
	return len(r.NewFiles) == 0 && len(r.UpdatedFiles) == 0 && len(r.DeletedFiles) == 0
}

// SkippedFile is a file left out of a cycle and the reason.
type SkippedFile struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// UpdateReport summarises one ingestion cycle.
type UpdateReport struct {
	Ingested     []string      `json:"ingested"`
	Skipped      []SkippedFile `json:"skipped"`
	Deleted      []string      `json:"deleted"`
	Chunks       int           `json:"chunks"`
	Removed      int           `json:"removed_entries"`
	CacheHit     bool          `json:"cache_hit"`
	TotalEntries int           `json:"total_entries"`
}

// Ingestor runs update cycles: metadata, extraction, chunking, cached
// embedding and a single index mutation. Only one cycle runs at a time.
// Extraction and embedding happen outside the index lock.
type Ingestor struct {
	docs          *MetadataStore
	extractor     *Extractor
	splitter      *Splitter
	gateway       *Gateway
	index         *Index
	cacheKey      string
	removeDeleted bool
	logger        *slog.Logger

	cycleMu sync.Mutex
}

type IngestorConfig struct {
	Metadata           *MetadataStore
	Extractor          *Extractor
	Splitter           *Splitter
	Gateway            *Gateway
	Index              *Index
	CacheKey           string // "files" (default) or "content"
	RemoveDeletedFiles bool
	Logger             *slog.Logger
}

func NewIngestor(cfg IngestorConfig) *Ingestor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Extractor == nil {
		cfg.Extractor = NewExtractor(ExtractorConfig{})
	}
	if cfg.Splitter == nil {
		cfg.Splitter = NewSplitter(512, 128)
	}
	if cfg.CacheKey == "" {
		cfg.CacheKey = "files"
	}
	return &Ingestor{
		docs:          cfg.Metadata,
		extractor:     cfg.Extractor,
		splitter:      cfg.Splitter,
		gateway:       cfg.Gateway,
		index:         cfg.Index,
		cacheKey:      cfg.CacheKey,
		removeDeleted: cfg.RemoveDeletedFiles,
		logger:        cfg.Logger,
	}
}

type pendingFile struct {
	name string
	path string
	meta domain.SourceMetadata
}

// Update runs one cycle. Per-file problems (missing metadata, unreadable
// file) skip that file; an embedding or index failure fails the cycle and
// leaves the index untouched.
func (in *Ingestor) Update(ctx context.Context, req UpdateRequest) (UpdateReport, error) {
	in.cycleMu.Lock()
	defer in.cycleMu.Unlock()

	start := time.Now()
	defer func() { metrics.IngestLatency.Observe(time.Since(start).Seconds()) }()

	report := UpdateReport{Ingested: []string{}, Skipped: []SkippedFile{}, Deleted: []string{}}

	deleted := uniqueNames(req.DeletedFiles)
	deletedSet := make(map[string]struct{}, len(deleted))
	for _, name := range deleted {
		deletedSet[domain.SourceID(name)] = struct{}{}
	}

	var pending []pendingFile
	for _, name := range uniqueNames(append(append([]string{}, req.NewFiles...), req.UpdatedFiles...)) {
		if _, gone := deletedSet[domain.SourceID(name)]; gone {
			report.Skipped = append(report.Skipped, SkippedFile{File: name, Reason: "also listed as deleted"})
			continue
		}
		p, reason := in.prepare(name)
		if reason != "" {
			in.logger.Warn("skipping file", "file", name, "reason", reason)
			report.Skipped = append(report.Skipped, SkippedFile{File: name, Reason: reason})
			continue
		}
		pending = append(pending, p)
	}

	var add []domain.IndexEntry
	if len(pending) > 0 {
		res, ingested, skipped, err := in.embedFiles(ctx, pending)
		if err != nil {
			return report, err
		}
		report.Skipped = append(report.Skipped, skipped...)
		report.Ingested = ingested
		report.CacheHit = res.CacheHit
		report.Chunks = len(res.Chunks)
		add = make([]domain.IndexEntry, len(res.Chunks))
		for i, c := range res.Chunks {
			add[i] = domain.IndexEntry{Vector: res.Embeddings[i], Chunk: c}
		}
		if res.CacheHit {
			metrics.CacheHits.Inc()
		} else {
			metrics.CacheMisses.Inc()
		}
	}

	// Re-ingested sources lose their old entries in the same mutation that
	// adds the new ones.
	drop := append(append([]string{}, deleted...), report.Ingested...)
	mres, err := in.index.Apply(Mutation{Delete: drop, Add: add})
	if err != nil {
		return report, fmt.Errorf("apply index mutation: %w", err)
	}
	report.Removed = mres.Removed
	report.TotalEntries = mres.Total
	metrics.IndexEntries.Set(int64(mres.Total))

	for _, name := range deleted {
		report.Deleted = append(report.Deleted, name)
		if in.removeDeleted && in.docs != nil {
			if err := in.docs.Remove(name); err != nil {
				in.logger.Warn("failed to remove deleted document", "file", name, "error", err)
			}
		}
	}

	metrics.IngestedFiles.Add(int64(len(report.Ingested)))
	metrics.SkippedFiles.Add(int64(len(report.Skipped)))
	metrics.DeletedFiles.Add(int64(len(report.Deleted)))

	in.logger.Info("knowledge base updated",
		"ingested", len(report.Ingested),
		"skipped", len(report.Skipped),
		"deleted", len(report.Deleted),
		"chunks", report.Chunks,
		"removed", report.Removed,
		"cache_hit", report.CacheHit,
		"entries", report.TotalEntries,
		"took", time.Since(start).Round(time.Millisecond),
	)
	return report, nil
}

// prepare resolves a file's path and metadata. A non-empty reason means skip.
func (in *Ingestor) prepare(name string) (pendingFile, string) {
	path, err := in.docs.SourcePath(name)
	if err != nil {
		return pendingFile{}, err.Error()
	}
	if !Supported(path) {
		return pendingFile{}, ErrUnsupportedFile.Error()
	}
	if _, err := os.Stat(path); err != nil {
		return pendingFile{}, "source file not found"
	}
	meta, err := in.docs.Read(name)
	if err != nil {
		if errors.Is(err, ErrMetadataMissing) {
			return pendingFile{}, "metadata record missing"
		}
		return pendingFile{}, err.Error()
	}
	return pendingFile{name: filepath.Base(path), path: path, meta: meta}, ""
}

// embedFiles consults the cache for the file set and, on a miss, extracts,
// chunks and embeds every file. Files that fail extraction are skipped and
// the result is stored under the key of the files that made it.
func (in *Ingestor) embedFiles(ctx context.Context, pending []pendingFile) (EmbedResult, []string, []SkippedFile, error) {
	key, err := in.setKey(pending)
	if err != nil {
		in.logger.Warn("cache key unavailable, embedding without cache", "error", err)
	}
	if res, ok := in.gateway.Lookup(key); ok {
		return res, pendingNames(pending), nil, nil
	}

	var (
		chunks  []domain.Chunk
		kept    []pendingFile
		skipped []SkippedFile
	)
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return EmbedResult{}, nil, nil, err
		}
		pages, err := in.extractor.Extract(ctx, p.path)
		if err != nil {
			in.logger.Warn("skipping file", "file", p.name, "reason", "extract failed", "error", err)
			skipped = append(skipped, SkippedFile{File: p.name, Reason: "extract failed: " + err.Error()})
			continue
		}
		fileChunks := in.splitter.ChunkDocument(p.meta, pages)
		in.logger.Debug("document chunked", "file", p.name, "pages", len(pages), "chunks", len(fileChunks))
		chunks = append(chunks, fileChunks...)
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return EmbedResult{}, nil, skipped, nil
	}
	if len(kept) != len(pending) {
		if key, err = in.setKey(kept); err != nil {
			key = ""
		}
	}

	res, err := in.gateway.Compute(ctx, key, chunks)
	if err != nil {
		return EmbedResult{}, nil, nil, fmt.Errorf("embed documents: %w", err)
	}
	return res, pendingNames(kept), skipped, nil
}

func (in *Ingestor) setKey(files []pendingFile) (string, error) {
	if in.cacheKey == "content" {
		paths := make([]string, len(files))
		for i, f := range files {
			paths[i] = f.path
		}
		return ContentSetHash(paths)
	}
	return FileSetHash(pendingNames(files)), nil
}

// Rebuild re-ingests every supported document in the documents directory.
func (in *Ingestor) Rebuild(ctx context.Context) (UpdateReport, error) {
	files, err := in.ScanDocuments()
	if err != nil {
		return UpdateReport{}, err
	}
	return in.Update(ctx, UpdateRequest{UpdatedFiles: files})
}

// ScanDocuments lists supported source files in the documents directory.
func (in *Ingestor) ScanDocuments() ([]string, error) {
	entries, err := os.ReadDir(in.docs.Dir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan documents: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !Supported(e.Name()) {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func pendingNames(files []pendingFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.name
	}
	return out
}

func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
