package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uniq/internal/domain"
	"uniq/internal/knowledge"
)

// pdfRunner stands in for pdftotext, returning canned text per file.
type pdfRunner struct{ pages map[string]string }

func (r pdfRunner) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	path := args[len(args)-2]
	return []byte(r.pages[filepath.Base(path)]), nil
}

// countingEmbedder returns a constant vector so retrieval order is decided
// by the affiliation re-rank alone.
type countingEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (e *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 1, 1}
	}
	return out, nil
}

type memoryQueryLog struct {
	mu   sync.Mutex
	recs []domain.QueryRecord
}

func (m *memoryQueryLog) LogQuery(_ context.Context, rec domain.QueryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

type corpus struct {
	ingestor  *knowledge.Ingestor
	assistant *Assistant
	gen       *scriptedGenerator
	embedder  *countingEmbedder
	queryLog  *memoryQueryLog
}

func chapterText(course string) string {
	return strings.Repeat("Chapter 3 of the "+course+" course introduces graph algorithms and shortest paths. ", 12)
}

func newCorpus(t *testing.T) *corpus {
	t.Helper()
	root := t.TempDir()
	docs := filepath.Join(root, "documents")
	require.NoError(t, os.MkdirAll(docs, 0o755))

	store := knowledge.NewMetadataStore(docs)
	for _, d := range []struct {
		file        string
		departments []string
		semesters   []string
	}{
		{"syllabus.pdf", []string{"CS"}, []string{"S5"}},
		{"mechanics.pdf", []string{"ME"}, []string{"S2"}},
	} {
		require.NoError(t, os.WriteFile(filepath.Join(docs, d.file), []byte("%PDF-1.4"), 0o644))
		require.NoError(t, store.Write(domain.SourceMetadata{
			FileName:    d.file,
			Departments: domain.NewLabels(d.departments),
			Semesters:   domain.NewLabels(d.semesters),
		}))
	}

	runner := pdfRunner{pages: map[string]string{
		"syllabus.pdf":  chapterText("data structures") + "\f" + chapterText("data structures"),
		"mechanics.pdf": chapterText("mechanics") + "\f" + chapterText("mechanics") + "\f" + chapterText("mechanics"),
	}}

	cache, err := knowledge.OpenContentCache(filepath.Join(root, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	emb := &countingEmbedder{}
	gateway := knowledge.NewGateway(knowledge.GatewayConfig{Embedder: emb, Cache: cache, Logger: testLogger()})
	index := knowledge.NewIndex(knowledge.IndexConfig{Path: filepath.Join(root, "index.jsonl"), Logger: testLogger()})
	ingestor := knowledge.NewIngestor(knowledge.IngestorConfig{
		Metadata:           store,
		Extractor:          knowledge.NewExtractor(knowledge.ExtractorConfig{Runner: runner}),
		Splitter:           knowledge.NewSplitter(512, 128),
		Gateway:            gateway,
		Index:              index,
		RemoveDeletedFiles: true,
		Logger:             testLogger(),
	})

	gen := &scriptedGenerator{answer: "RAG", tokens: []string{"Chapter 3 is about ", "graphs."}}
	qlog := &memoryQueryLog{}
	assistant := NewAssistant(AssistantConfig{
		Classifier:  NewClassifier(ClassifierConfig{Generator: gen, Logger: testLogger()}),
		Retriever:   NewRetriever(RetrieverConfig{Embedder: gateway, Index: index, Logger: testLogger()}),
		Streamer:    NewStreamer(gen, testLogger()),
		ChatOptions: domain.GenerateOptions{Temperature: 0.4, ContextSize: 8192},
		QueryLog:    qlog,
		Logger:      testLogger(),
	})

	report, err := ingestor.Update(context.Background(), knowledge.UpdateRequest{NewFiles: []string{"syllabus.pdf", "mechanics.pdf"}})
	require.NoError(t, err)
	require.Len(t, report.Ingested, 2)

	return &corpus{ingestor: ingestor, assistant: assistant, gen: gen, embedder: emb, queryLog: qlog}
}

func TestAssistant_GroundedAnswerCitesAffiliatedSource(t *testing.T) {
	c := newCorpus(t)

	var sb strings.Builder
	ans, err := c.assistant.Answer(context.Background(), "explain chapter 3", cs5, collect(&sb))
	require.NoError(t, err)

	assert.Equal(t, domain.RouteRAG, ans.Route)
	require.NotEmpty(t, ans.Sources)
	assert.Equal(t, "syllabus.pdf", ans.Sources[0].FileName)

	out := sb.String()
	assert.True(t, strings.HasPrefix(out, "Chapter 3 is about graphs."))
	assert.Contains(t, out, "**Sources:**\n1. [syllabus](/documents/syllabus.pdf)\n")
	assert.Equal(t, 1, strings.Count(out, "[syllabus]"), "a source is cited once")

	prompt := c.gen.lastPrompt()
	assert.Contains(t, prompt, "data structures")
	assert.Contains(t, prompt, "Roll number: 21CS042")

	require.Len(t, c.queryLog.recs, 1)
	assert.Equal(t, []string{"syllabus.pdf"}, c.queryLog.recs[0].Sources[:1])
}

func TestAssistant_GreetingSkipsRetrieval(t *testing.T) {
	c := newCorpus(t)
	embedCalls := c.embedder.calls

	var sb strings.Builder
	ans, err := c.assistant.Answer(context.Background(), "hi", cs5, collect(&sb))
	require.NoError(t, err)

	assert.Equal(t, domain.RouteGeneral, ans.Route)
	assert.Equal(t, embedCalls, c.embedder.calls, "no retrieval for GENERAL")
	assert.Equal(t, 0, c.gen.generateCalls)
	assert.NotContains(t, sb.String(), "**Sources:**")
	assert.Empty(t, ans.Sources)
	assert.Contains(t, c.gen.lastPrompt(), "Asha")
}

func TestAssistant_DeletedSourceIsNeverCited(t *testing.T) {
	c := newCorpus(t)
	_, err := c.ingestor.Update(context.Background(), knowledge.UpdateRequest{DeletedFiles: []string{"syllabus.pdf"}})
	require.NoError(t, err)

	var sb strings.Builder
	ans, err := c.assistant.Answer(context.Background(), "explain chapter 3", cs5, collect(&sb))
	require.NoError(t, err)

	assert.NotContains(t, sb.String(), "syllabus")
	for _, s := range ans.Sources {
		assert.NotEqual(t, "syllabus.pdf", s.FileName)
	}
	assert.NotContains(t, c.gen.lastPrompt(), "data structures")
}

func TestAssistant_GenerationFailureIsInline(t *testing.T) {
	c := newCorpus(t)
	c.gen.tokens = nil
	c.gen.streamErr = errGenDown

	var sb strings.Builder
	ans, err := c.assistant.Answer(context.Background(), "explain chapter 3", cs5, collect(&sb))
	require.NoError(t, err)
	assert.Equal(t, "Error: connection refused", sb.String())
	assert.Empty(t, ans.Sources)
}
