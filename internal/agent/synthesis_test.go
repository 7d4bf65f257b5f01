package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uniq/internal/domain"
)

func TestCitationsFromHits_Dedup(t *testing.T) {
	hits := []domain.SearchHit{
		hit("syllabus.pdf", nil, nil, "a"),
		hit("notes.pdf", nil, nil, "b"),
		hit("syllabus.pdf", nil, nil, "c"),
	}
	got := CitationsFromHits(hits)
	assert.Equal(t, []Citation{
		{FileName: "syllabus.pdf", Display: "syllabus"},
		{FileName: "notes.pdf", Display: "notes"},
	}, got)

	assert.Equal(t,
		"\n\n**Sources:**\n1. [syllabus](/documents/syllabus.pdf)\n2. [notes](/documents/notes.pdf)\n",
		FormatCitations(got))
	assert.Empty(t, FormatCitations(nil))
}

func TestCitation_LinkEscapes(t *testing.T) {
	assert.Equal(t, "/documents/lab%20manual.pdf", Citation{FileName: "lab manual.pdf"}.Link())
}

func TestStreamer_ForwardsTokensThenCitations(t *testing.T) {
	gen := &scriptedGenerator{tokens: []string{"Chapter 3 ", "covers ", "graphs."}}
	s := NewStreamer(gen, testLogger())

	var sb strings.Builder
	var fragments int
	sink := func(f string) error { fragments++; sb.WriteString(f); return nil }

	out, err := s.Stream(context.Background(), domain.GenerateRequest{Prompt: "p"},
		[]Citation{{FileName: "syllabus.pdf", Display: "syllabus"}}, sink)
	require.NoError(t, err)
	assert.True(t, out.Completed)
	assert.True(t, out.Cited)
	assert.Equal(t, 4, fragments, "three tokens plus one citation block")
	assert.Equal(t, "Chapter 3 covers graphs.\n\n**Sources:**\n1. [syllabus](/documents/syllabus.pdf)\n", sb.String())
}

func TestStreamer_NoCitationsWithoutDoneMarker(t *testing.T) {
	gen := &scriptedGenerator{tokens: []string{"partial"}, noDone: true}
	var sb strings.Builder
	out, err := NewStreamer(gen, testLogger()).Stream(context.Background(), domain.GenerateRequest{},
		[]Citation{{FileName: "a.pdf", Display: "a"}}, collect(&sb))
	require.NoError(t, err)
	assert.False(t, out.Completed)
	assert.Equal(t, "partial", sb.String())
}

func TestStreamer_FailureBecomesErrorFragment(t *testing.T) {
	gen := &scriptedGenerator{streamErr: errGenDown}
	var sb strings.Builder
	out, err := NewStreamer(gen, testLogger()).Stream(context.Background(), domain.GenerateRequest{},
		[]Citation{{FileName: "a.pdf", Display: "a"}}, collect(&sb))
	require.NoError(t, err, "dependency errors are encoded in the stream")
	assert.ErrorIs(t, out.Failed, errGenDown)
	assert.Equal(t, "Error: connection refused", sb.String())
}

func TestStreamer_SinkErrorStopsStream(t *testing.T) {
	gen := &scriptedGenerator{tokens: []string{"a", "b", "c", "d"}}
	gone := errors.New("client went away")
	calls := 0
	sink := func(string) error {
		calls++
		if calls == 2 {
			return gone
		}
		return nil
	}
	_, err := NewStreamer(gen, testLogger()).Stream(context.Background(), domain.GenerateRequest{}, nil, sink)
	assert.ErrorIs(t, err, gone)
	assert.Equal(t, 2, calls)
}

func TestStreamer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := &scriptedGenerator{streamErr: context.Canceled}
	var sb strings.Builder
	_, err := NewStreamer(gen, testLogger()).Stream(ctx, domain.GenerateRequest{}, nil, collect(&sb))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, sb.String(), "Error:")
}
