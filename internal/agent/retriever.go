package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"uniq/internal/domain"
	"uniq/internal/metrics"
)

// QueryEmbedder embeds a single question.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher is the similarity search side of the vector index.
type VectorSearcher interface {
	Search(query []float32, k int) ([]domain.SearchHit, error)
}

// Retriever fetches an oversized candidate set by similarity, then re-ranks
// it by affiliation with the asking student.
type Retriever struct {
	embedder        QueryEmbedder
	index           VectorSearcher
	candidateK      int
	topN            int
	departmentBonus int
	semesterBonus   int
	logger          *slog.Logger
}

type RetrieverConfig struct {
	Embedder        QueryEmbedder
	Index           VectorSearcher
	CandidateK      int // default 10
	TopN            int // default 3
	DepartmentBonus int // default 3
	SemesterBonus   int // default 2
	Logger          *slog.Logger
}

func NewRetriever(cfg RetrieverConfig) *Retriever {
	if cfg.CandidateK <= 0 {
		cfg.CandidateK = 10
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 3
	}
	if cfg.DepartmentBonus == 0 {
		cfg.DepartmentBonus = 3
	}
	if cfg.SemesterBonus == 0 {
		cfg.SemesterBonus = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Retriever{
		embedder:        cfg.Embedder,
		index:           cfg.Index,
		candidateK:      cfg.CandidateK,
		topN:            cfg.TopN,
		departmentBonus: cfg.DepartmentBonus,
		semesterBonus:   cfg.SemesterBonus,
		logger:          cfg.Logger,
	}
}

// Retrieve returns up to TopN hits for the question. The question is
// embedded before the index is touched, so the embedding call never holds
// the index lock.
func (r *Retriever) Retrieve(ctx context.Context, question string, student domain.StudentContext) ([]domain.SearchHit, error) {
	start := time.Now()
	vec, err := r.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candidates, err := r.index.Search(vec, r.candidateK)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	hits := r.Rerank(candidates, student)
	metrics.RetrievalLatency.Observe(time.Since(start).Seconds())
	r.logger.Debug("retrieved context", "candidates", len(candidates), "kept", len(hits))
	return hits, nil
}

// Rerank applies the affiliation bonus, stable-sorts by bonus (ties keep
// similarity order) and truncates.
func (r *Retriever) Rerank(candidates []domain.SearchHit, student domain.StudentContext) []domain.SearchHit {
	type scored struct {
		hit   domain.SearchHit
		bonus int
	}
	ranked := make([]scored, len(candidates))
	for i, h := range candidates {
		ranked[i] = scored{hit: h, bonus: r.Bonus(h.Chunk.Meta, student)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].bonus > ranked[j].bonus })

	n := min(r.topN, len(ranked))
	out := make([]domain.SearchHit, n)
	for i := range out {
		out[i] = ranked[i].hit
	}
	return out
}

// Bonus scores how well a chunk's metadata matches the student.
func (r *Retriever) Bonus(meta domain.ChunkMetadata, student domain.StudentContext) int {
	bonus := 0
	if meta.Departments.Contains(student.Department) {
		bonus += r.departmentBonus
	}
	if meta.Semesters.Contains(student.Semester) {
		bonus += r.semesterBonus
	}
	return bonus
}
