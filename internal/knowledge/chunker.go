// Package knowledge owns the document corpus: extraction, chunking,
// embedding with a content cache, and the persisted vector index.
package knowledge

import (
	"strings"
	"unicode/utf8"

	"uniq/internal/domain"
)

// DefaultSeparators are tried in order, coarsest first.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// Splitter splits text recursively on a list of separators so that each
// chunk stays within size characters and neighbours share up to overlap
// characters.
type Splitter struct {
	size       int
	overlap    int
	separators []string
}

func NewSplitter(size, overlap int) *Splitter {
	if size <= 0 {
		size = 512
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 4
	}
	return &Splitter{size: size, overlap: overlap, separators: DefaultSeparators}
}

// Page is the extracted text of one page. Number is 1-based.
type Page struct {
	Number int
	Text   string
}

// ChunkDocument splits every page and stamps each chunk with a copy of the
// document metadata plus its page number. Ordinals run across the document.
func (s *Splitter) ChunkDocument(meta domain.SourceMetadata, pages []Page) []domain.Chunk {
	source := domain.SourceID(meta.FileName)
	var chunks []domain.Chunk
	for _, p := range pages {
		for _, text := range s.Split(p.Text) {
			chunks = append(chunks, domain.Chunk{
				Text:    text,
				Ordinal: len(chunks),
				Source:  source,
				Meta: domain.ChunkMetadata{
					FileName:    meta.FileName,
					Departments: append(domain.Labels(nil), meta.Departments...),
					Semesters:   append(domain.Labels(nil), meta.Semesters...),
					Tags:        append(domain.Labels(nil), meta.Tags...),
					Page:        p.Number,
				},
			})
		}
	}
	return chunks
}

// Split returns the chunks of text.
func (s *Splitter) Split(text string) []string {
	return s.split(text, s.separators)
}

func (s *Splitter) split(text string, separators []string) []string {
	sep := separators[len(separators)-1]
	var rest []string
	for i, candidate := range separators {
		if candidate == "" || strings.Contains(text, candidate) {
			sep = candidate
			rest = separators[i+1:]
			break
		}
	}

	var out, good []string
	for _, piece := range splitOn(text, sep) {
		if runeLen(piece) < s.size {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			out = append(out, s.merge(good, sep)...)
			good = nil
		}
		if len(rest) == 0 {
			out = append(out, piece)
		} else {
			out = append(out, s.split(piece, rest)...)
		}
	}
	if len(good) > 0 {
		out = append(out, s.merge(good, sep)...)
	}
	return out
}

// merge packs small pieces into chunks up to size, carrying a tail of at
// most overlap characters into the next chunk.
func (s *Splitter) merge(pieces []string, sep string) []string {
	sepLen := runeLen(sep)
	var out, current []string
	total := 0

	joinLen := func() int {
		if len(current) > 0 {
			return sepLen
		}
		return 0
	}

	for _, p := range pieces {
		n := runeLen(p)
		if total+n+joinLen() > s.size && len(current) > 0 {
			if doc := strings.TrimSpace(strings.Join(current, sep)); doc != "" {
				out = append(out, doc)
			}
			for total > s.overlap || (total+n+joinLen() > s.size && total > 0) {
				drop := runeLen(current[0])
				if len(current) > 1 {
					drop += sepLen
				}
				total -= drop
				current = current[1:]
			}
		}
		total += n + joinLen()
		current = append(current, p)
	}
	if doc := strings.TrimSpace(strings.Join(current, sep)); doc != "" {
		out = append(out, doc)
	}
	return out
}

func splitOn(text, sep string) []string {
	var parts []string
	if sep == "" {
		parts = make([]string, 0, len(text))
		for _, r := range text {
			parts = append(parts, string(r))
		}
		return parts
	}
	for _, p := range strings.Split(text, sep) {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
