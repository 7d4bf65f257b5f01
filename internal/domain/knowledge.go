package domain

import (
	"encoding/json"
	"path/filepath"
	"strings"
)

// Labels is the canonical set-of-strings form for document affiliation
// metadata (departments, semesters, tags). Values are trimmed and deduplicated
// while keeping first-seen order.
type Labels []string

// ParseLabels splits a comma-delimited string into Labels.
func ParseLabels(raw string) Labels {
	return NewLabels(strings.Split(raw, ","))
}

// NewLabels normalises a list of values.
func NewLabels(values []string) Labels {
	out := make(Labels, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Contains reports whether value is in the set, ignoring case and surrounding space.
func (l Labels) Contains(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	for _, v := range l {
		// values built without NewLabels may still hold a delimited string
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), value) {
				return true
			}
		}
	}
	return false
}

// UnmarshalJSON accepts either a JSON array of strings or a single
// comma-delimited string.
func (l *Labels) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = NewLabels(list)
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*l = ParseLabels(raw)
	return nil
}

// UnmarshalYAML accepts a sequence or a comma-delimited scalar.
func (l *Labels) UnmarshalYAML(unmarshal func(any) error) error {
	var list []string
	if err := unmarshal(&list); err == nil {
		*l = NewLabels(list)
		return nil
	}
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*l = ParseLabels(raw)
	return nil
}

// SourceMetadata is the companion record stored next to every source file.
type SourceMetadata struct {
	FileName    string `json:"file_name" yaml:"file_name"`
	Departments Labels `json:"departments" yaml:"departments"`
	Semesters   Labels `json:"semesters" yaml:"semesters"`
	Tags        Labels `json:"tags" yaml:"tags"`
}

// ChunkMetadata is a copy of the parent SourceMetadata plus the page reference.
type ChunkMetadata struct {
	FileName    string `json:"file_name"`
	Departments Labels `json:"departments"`
	Semesters   Labels `json:"semesters"`
	Tags        Labels `json:"tags"`
	Page        int    `json:"page"`
}

// Chunk is a bounded slice of extracted document text.
type Chunk struct {
	Text    string        `json:"text"`
	Ordinal int           `json:"ordinal"`
	Source  string        `json:"source"` // file identifier without extension
	Meta    ChunkMetadata `json:"meta"`
}

// IndexEntry is one vector plus the chunk it was computed from.
type IndexEntry struct {
	ID     string    `json:"id"`
	Vector []float32 `json:"vector"`
	Chunk  Chunk     `json:"chunk"`
}

// SearchHit is a scored search result from the vector index.
type SearchHit struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// KnownExtensions lists the source file suffixes stripped from identifiers.
var KnownExtensions = []string{".pdf", ".txt", ".md"}

// SourceID returns the file identifier used to tag index entries: the base
// name with any known extension removed.
func SourceID(fileName string) string {
	base := filepath.Base(strings.TrimSpace(fileName))
	ext := filepath.Ext(base)
	for _, known := range KnownExtensions {
		if strings.EqualFold(ext, known) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return base
}
