package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uniq/internal/domain"
)

func entry(source, text string, vec ...float32) domain.IndexEntry {
	return domain.IndexEntry{
		Vector: vec,
		Chunk:  domain.Chunk{Text: text, Source: source, Meta: domain.ChunkMetadata{FileName: source + ".pdf"}},
	}
}

func newTestIndex(t *testing.T) (*Index, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.jsonl")
	return NewIndex(IndexConfig{Path: path, Logger: testLogger()}), path
}

func TestIndex_DeleteUnknownSourceIsNoop(t *testing.T) {
	idx, path := newTestIndex(t)

	removed, err := idx.DeleteBySource("never-ingested.pdf")
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.NoFileExists(t, path, "a no-op delete must not create the index")

	_, err = idx.Apply(Mutation{Add: []domain.IndexEntry{entry("a", "alpha", 1, 0)}})
	require.NoError(t, err)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	removed, err = idx.DeleteBySource("b.pdf")
	require.NoError(t, err)
	assert.Zero(t, removed)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestIndex_DeleteThenAddPurity(t *testing.T) {
	idx, _ := newTestIndex(t)

	_, err := idx.AddOrReplace(
		[]domain.Chunk{{Text: "old syllabus", Source: "syllabus"}, {Text: "lab notes", Source: "notes"}},
		[][]float32{{1, 0}, {0, 1}},
	)
	require.NoError(t, err)

	removed, err := idx.DeleteBySource("syllabus.pdf")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = idx.AddOrReplace([]domain.Chunk{{Text: "new syllabus", Source: "syllabus"}}, [][]float32{{1, 0}})
	require.NoError(t, err)

	hits, err := idx.Search([]float32{1, 0}, 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "old syllabus", h.Chunk.Text)
	}
	assert.Equal(t, "new syllabus", hits[0].Chunk.Text)
}

func TestIndex_AddOrReplaceDropsPreviousVersion(t *testing.T) {
	idx, _ := newTestIndex(t)
	_, err := idx.AddOrReplace([]domain.Chunk{{Text: "v1", Source: "a"}, {Text: "v1b", Source: "a"}}, [][]float32{{1}, {1}})
	require.NoError(t, err)

	res, err := idx.AddOrReplace([]domain.Chunk{{Text: "v2", Source: "a"}}, [][]float32{{1}})
	require.NoError(t, err)
	assert.Equal(t, MutationResult{Removed: 2, Added: 1, Total: 1}, res)
}

func TestIndex_LazyLoadFromDisk(t *testing.T) {
	idx, path := newTestIndex(t)
	_, err := idx.Apply(Mutation{Add: []domain.IndexEntry{entry("a", "alpha", 1, 0), entry("b", "beta", 0, 1)}})
	require.NoError(t, err)

	reopened := NewIndex(IndexConfig{Path: path, Logger: testLogger()})
	hits, err := reopened.Search([]float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "beta", hits[0].Chunk.Text)

	stats, err := reopened.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Entries: 2, Sources: []string{"a", "b"}}, stats)
}

func TestIndex_CorruptFileIsHardError(t *testing.T) {
	idx, path := newTestIndex(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0o644))

	_, err := idx.Search([]float32{1}, 3)
	assert.ErrorIs(t, err, ErrIndexCorrupt)
	_, err = idx.Apply(Mutation{Add: []domain.IndexEntry{entry("a", "alpha", 1)}})
	assert.ErrorIs(t, err, ErrIndexCorrupt)
}

func TestIndex_SearchOrderAndTies(t *testing.T) {
	idx, _ := newTestIndex(t)
	_, err := idx.Apply(Mutation{Add: []domain.IndexEntry{
		entry("a", "first tie", 1, 1),
		entry("b", "best", 1, 0),
		entry("c", "second tie", 2, 2),
		entry("d", "wrong dims", 1, 0, 0),
	}})
	require.NoError(t, err)

	hits, err := idx.Search([]float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "best", hits[0].Chunk.Text)
	assert.Equal(t, "first tie", hits[1].Chunk.Text)
	assert.Equal(t, "second tie", hits[2].Chunk.Text)
}

func TestIndex_AssignsIDs(t *testing.T) {
	idx, path := newTestIndex(t)
	_, err := idx.Apply(Mutation{Add: []domain.IndexEntry{entry("a", "alpha", 1), entry("a", "again", 1)}})
	require.NoError(t, err)

	entries, err := readIndexFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NotEmpty(t, entries[0].ID)
	assert.NotEqual(t, entries[0].ID, entries[1].ID)
}

// Searches running alongside replacements of one source must see either the
// old or the new version of it, never a mix and never neither.
func TestIndex_SearchDuringMutationSeesWholeVersions(t *testing.T) {
	idx, _ := newTestIndex(t)
	const perVersion = 4

	version := func(v string) []domain.IndexEntry {
		out := make([]domain.IndexEntry, perVersion)
		for i := range out {
			out[i] = entry("syllabus", fmt.Sprintf("%s chunk %d", v, i), 1, float32(i))
		}
		return out
	}
	_, err := idx.Apply(Mutation{Add: append(version("v1"), entry("notes", "lab notes", 0, 1))})
	require.NoError(t, err)

	var wg sync.WaitGroup
	done := make(chan struct{})
	errs := make(chan error, 8)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < 40; i++ {
			v := "v1"
			if i%2 == 0 {
				v = "v2"
			}
			if _, err := idx.Apply(Mutation{Delete: []string{"syllabus.pdf"}, Add: version(v)}); err != nil {
				errs <- err
				return
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				hits, err := idx.Search([]float32{1, 1}, 20)
				if err != nil {
					errs <- err
					return
				}
				seen := map[string]int{}
				for _, h := range hits {
					if h.Chunk.Source == "syllabus" {
						v, _, _ := strings.Cut(h.Chunk.Text, " ")
						seen[v]++
					}
				}
				if len(seen) != 1 || seen["v1"]+seen["v2"] != perVersion {
					errs <- fmt.Errorf("torn read: %v", seen)
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
