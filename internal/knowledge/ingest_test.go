package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ingestFixture struct {
	dir      string
	embedder *fakeEmbedder
	index    *Index
	ingestor *Ingestor
}

func newIngestFixture(t *testing.T, cacheKey string) *ingestFixture {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "documents")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	cache, err := OpenContentCache(filepath.Join(root, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	emb := &fakeEmbedder{}
	idx := NewIndex(IndexConfig{Path: filepath.Join(root, "index.jsonl"), Logger: testLogger()})
	in := NewIngestor(IngestorConfig{
		Metadata:           NewMetadataStore(dir),
		Splitter:           NewSplitter(512, 128),
		Gateway:            NewGateway(GatewayConfig{Embedder: emb, Cache: cache, Logger: testLogger()}),
		Index:              idx,
		CacheKey:           cacheKey,
		RemoveDeletedFiles: true,
		Logger:             testLogger(),
	})
	return &ingestFixture{dir: dir, embedder: emb, index: idx, ingestor: in}
}

func TestIngestor_NewFiles(t *testing.T) {
	f := newIngestFixture(t, "files")
	writeDoc(t, f.dir, "syllabus.txt", paragraph("syllabus", 20), []string{"CS"}, []string{"S5"})
	writeDoc(t, f.dir, "policy.md", paragraph("policy", 3), []string{"ADMIN"}, nil)

	report, err := f.ingestor.Update(context.Background(), UpdateRequest{NewFiles: []string{"syllabus.txt", "policy.md"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"syllabus.txt", "policy.md"}, report.Ingested)
	assert.Empty(t, report.Skipped)
	assert.False(t, report.CacheHit)
	assert.Greater(t, report.Chunks, 2)
	assert.Equal(t, report.Chunks, report.TotalEntries)

	stats, err := f.index.Stats()
	require.NoError(t, err)
	assert.Equal(t, []string{"policy", "syllabus"}, stats.Sources)
}

func TestIngestor_MissingMetadataSkipsOnlyThatFile(t *testing.T) {
	f := newIngestFixture(t, "files")
	writeDoc(t, f.dir, "good.txt", paragraph("good", 3), []string{"CS"}, nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "orphan.txt"), []byte(paragraph("orphan", 3)), 0o644))

	report, err := f.ingestor.Update(context.Background(), UpdateRequest{NewFiles: []string{"good.txt", "orphan.txt", "absent.txt"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"good.txt"}, report.Ingested)
	require.Len(t, report.Skipped, 2)
	assert.Equal(t, "orphan.txt", report.Skipped[0].File)
	assert.Equal(t, "metadata record missing", report.Skipped[0].Reason)
	assert.Equal(t, "absent.txt", report.Skipped[1].File)
}

func TestIngestor_SameFileSetHitsCache(t *testing.T) {
	f := newIngestFixture(t, "files")
	writeDoc(t, f.dir, "syllabus.txt", paragraph("syllabus", 5), []string{"CS"}, []string{"S5"})
	req := UpdateRequest{NewFiles: []string{"syllabus.txt"}}

	first, err := f.ingestor.Update(context.Background(), req)
	require.NoError(t, err)
	calls := f.embedder.calls()
	require.Positive(t, calls)

	second, err := f.ingestor.Update(context.Background(), UpdateRequest{UpdatedFiles: []string{"syllabus.txt"}})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, calls, f.embedder.calls())
	assert.Equal(t, first.Chunks, second.Chunks)
	assert.Equal(t, first.TotalEntries, second.TotalEntries, "re-ingesting must replace, not duplicate")
}

func TestIngestor_ContentKeyPicksUpEdits(t *testing.T) {
	f := newIngestFixture(t, "content")
	writeDoc(t, f.dir, "notes.txt", paragraph("thermodynamics", 3), nil, nil)
	_, err := f.ingestor.Update(context.Background(), UpdateRequest{NewFiles: []string{"notes.txt"}})
	require.NoError(t, err)

	writeDoc(t, f.dir, "notes.txt", paragraph("electromagnetism", 3), nil, nil)
	report, err := f.ingestor.Update(context.Background(), UpdateRequest{UpdatedFiles: []string{"notes.txt"}})
	require.NoError(t, err)
	assert.False(t, report.CacheHit)

	hits, err := f.index.Search(letterVector("thermodynamics"), 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotContains(t, h.Chunk.Text, "thermodynamics")
	}
}

func TestIngestor_DeleteRemovesEntriesAndFiles(t *testing.T) {
	f := newIngestFixture(t, "files")
	writeDoc(t, f.dir, "syllabus.txt", paragraph("syllabus", 3), []string{"CS"}, nil)
	writeDoc(t, f.dir, "policy.txt", paragraph("policy", 3), nil, nil)
	_, err := f.ingestor.Update(context.Background(), UpdateRequest{NewFiles: []string{"syllabus.txt", "policy.txt"}})
	require.NoError(t, err)

	report, err := f.ingestor.Update(context.Background(), UpdateRequest{DeletedFiles: []string{"syllabus.txt", "never.pdf"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"syllabus.txt", "never.pdf"}, report.Deleted)
	assert.Positive(t, report.Removed)

	stats, err := f.index.Stats()
	require.NoError(t, err)
	assert.Equal(t, []string{"policy"}, stats.Sources)
	assert.NoFileExists(t, filepath.Join(f.dir, "syllabus.txt"))
	assert.NoFileExists(t, filepath.Join(f.dir, "syllabus.yaml"))
	assert.FileExists(t, filepath.Join(f.dir, "policy.txt"))
}

func TestIngestor_EmbedFailureLeavesIndexUntouched(t *testing.T) {
	f := newIngestFixture(t, "files")
	writeDoc(t, f.dir, "a.txt", paragraph("alpha", 3), nil, nil)
	_, err := f.ingestor.Update(context.Background(), UpdateRequest{NewFiles: []string{"a.txt"}})
	require.NoError(t, err)
	before, err := f.index.Stats()
	require.NoError(t, err)

	writeDoc(t, f.dir, "b.txt", paragraph("beta", 3), nil, nil)
	f.embedder.err = errEmbedDown
	_, err = f.ingestor.Update(context.Background(), UpdateRequest{NewFiles: []string{"b.txt"}, DeletedFiles: []string{"a.txt"}})
	assert.ErrorIs(t, err, errEmbedDown)

	after, err := f.index.Stats()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.FileExists(t, filepath.Join(f.dir, "a.txt"))
}

func TestIngestor_ScanDocuments(t *testing.T) {
	f := newIngestFixture(t, "files")
	writeDoc(t, f.dir, "b.txt", "b", nil, nil)
	writeDoc(t, f.dir, "a.pdf", "a", nil, nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, ".hidden.txt"), nil, 0o644))

	files, err := f.ingestor.ScanDocuments()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.pdf", "b.txt"}, files)
}

// Deleting a file and re-adding it under the same name with new content:
// the "files" key reuses the cached embeddings of the old content, the
// "content" key re-embeds.
func TestIngestor_ReaddAfterDeleteByCacheKey(t *testing.T) {
	for _, tc := range []struct {
		cacheKey  string
		wantStale bool
	}{
		{"files", true},
		{"content", false},
	} {
		t.Run(tc.cacheKey, func(t *testing.T) {
			f := newIngestFixture(t, tc.cacheKey)
			ctx := context.Background()

			writeDoc(t, f.dir, "notes.txt", paragraph("thermodynamics", 3), nil, nil)
			_, err := f.ingestor.Update(ctx, UpdateRequest{NewFiles: []string{"notes.txt"}})
			require.NoError(t, err)
			_, err = f.ingestor.Update(ctx, UpdateRequest{DeletedFiles: []string{"notes.txt"}})
			require.NoError(t, err)

			writeDoc(t, f.dir, "notes.txt", paragraph("electromagnetism", 3), nil, nil)
			report, err := f.ingestor.Update(ctx, UpdateRequest{NewFiles: []string{"notes.txt"}})
			require.NoError(t, err)
			assert.Equal(t, tc.wantStale, report.CacheHit)

			hits, err := f.index.Search(letterVector("electromagnetism"), 10)
			require.NoError(t, err)
			require.NotEmpty(t, hits)
			stale := false
			for _, h := range hits {
				if strings.Contains(h.Chunk.Text, "thermodynamics") {
					stale = true
				}
			}
			assert.Equal(t, tc.wantStale, stale)
		})
	}
}

// slowEmbedder records the highest number of overlapping Embed calls.
type slowEmbedder struct {
	inflight atomic.Int32
	peak     atomic.Int32
}

func (s *slowEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = letterVector(t)
	}
	return out, nil
}

func TestIngestor_CyclesDoNotOverlap(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "documents")
	cache, err := OpenContentCache(filepath.Join(root, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	emb := &slowEmbedder{}
	idx := NewIndex(IndexConfig{Path: filepath.Join(root, "index.jsonl"), Logger: testLogger()})
	in := NewIngestor(IngestorConfig{
		Metadata: NewMetadataStore(dir),
		Splitter: NewSplitter(512, 128),
		Gateway:  NewGateway(GatewayConfig{Embedder: emb, Cache: cache, Logger: testLogger()}),
		Index:    idx,
		CacheKey: "files",
		Logger:   testLogger(),
	})

	const files = 6
	for i := 0; i < files; i++ {
		writeDoc(t, dir, fmt.Sprintf("doc%d.txt", i), paragraph(fmt.Sprintf("topic%d", i), 3), nil, nil)
	}

	var wg sync.WaitGroup
	errs := make(chan error, files)
	for i := 0; i < files; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if _, err := in.Update(context.Background(), UpdateRequest{NewFiles: []string{name}}); err != nil {
				errs <- err
			}
		}(fmt.Sprintf("doc%d.txt", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	assert.Equal(t, int32(1), emb.peak.Load(), "ingestion cycles overlapped")
	stats, err := idx.Stats()
	require.NoError(t, err)
	assert.Len(t, stats.Sources, files)
}
