package knowledge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"uniq/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEmbedder maps text to letter frequencies so similar texts land close
// together. It records every batch it receives.
type fakeEmbedder struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string(nil), texts...))
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = letterVector(t)
	}
	return out, nil
}

func (f *fakeEmbedder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func letterVector(text string) []float32 {
	v := make([]float32, 27)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	v[26] = 1
	return v
}

var errEmbedDown = errors.New("embedding service down")

// writeDoc creates a text source and its yaml record in dir.
func writeDoc(t *testing.T, dir, name, text string, departments, semesters []string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644))
	meta := domain.SourceMetadata{
		FileName:    name,
		Departments: departments,
		Semesters:   semesters,
	}
	data, err := yaml.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, domain.SourceID(name)+".yaml"), data, 0o644))
}

// paragraph returns text long enough to survive the minimum chunk length.
func paragraph(topic string, n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteString("This section of the ")
		sb.WriteString(topic)
		sb.WriteString(" covers material students need for the course. ")
	}
	return sb.String()
}
