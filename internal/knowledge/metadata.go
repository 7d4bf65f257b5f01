package knowledge

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"uniq/internal/domain"
)

// ErrMetadataMissing means a source file has no companion metadata record.
var ErrMetadataMissing = errors.New("metadata record missing")

// MetadataStore reads and writes the companion record kept next to each
// source file: <name>.yaml, or <name>.csv as written by the admin portal
// (header row, then file_name,departments,semesters,tags with
// comma-delimited lists).
type MetadataStore struct {
	dir string
}

func NewMetadataStore(dir string) *MetadataStore {
	return &MetadataStore{dir: dir}
}

func (m *MetadataStore) Dir() string { return m.dir }

func (m *MetadataStore) recordPath(fileName, ext string) string {
	return filepath.Join(m.dir, domain.SourceID(fileName)+ext)
}

// Read returns the metadata for fileName. FileName in the result is always
// the source file name as given, whatever the record says.
func (m *MetadataStore) Read(fileName string) (domain.SourceMetadata, error) {
	meta, err := m.readYAML(fileName)
	if errors.Is(err, fs.ErrNotExist) {
		meta, err = m.readCSV(fileName)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return domain.SourceMetadata{}, fmt.Errorf("%w: %s", ErrMetadataMissing, fileName)
	}
	if err != nil {
		return domain.SourceMetadata{}, err
	}
	meta.FileName = filepath.Base(fileName)
	return meta, nil
}

func (m *MetadataStore) readYAML(fileName string) (domain.SourceMetadata, error) {
	var meta domain.SourceMetadata
	data, err := os.ReadFile(m.recordPath(fileName, ".yaml"))
	if err != nil {
		return meta, err
	}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parse metadata for %s: %w", fileName, err)
	}
	return meta, nil
}

func (m *MetadataStore) readCSV(fileName string) (domain.SourceMetadata, error) {
	var meta domain.SourceMetadata
	f, err := os.Open(m.recordPath(fileName, ".csv"))
	if err != nil {
		return meta, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return meta, fmt.Errorf("parse metadata for %s: %w", fileName, err)
	}
	if len(rows) < 2 || len(rows[1]) < 4 {
		return meta, fmt.Errorf("parse metadata for %s: expected header and one 4-column row", fileName)
	}
	row := rows[1]
	meta.FileName = row[0]
	meta.Departments = domain.ParseLabels(row[1])
	meta.Semesters = domain.ParseLabels(row[2])
	meta.Tags = domain.ParseLabels(row[3])
	return meta, nil
}

// Write stores meta as <name>.yaml.
func (m *MetadataStore) Write(meta domain.SourceMetadata) error {
	if meta.FileName == "" {
		return errors.New("metadata file name is required")
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.recordPath(meta.FileName, ".yaml"), data, 0o644)
}

// Remove deletes the source file and every metadata record for it. Missing
// files are not an error.
func (m *MetadataStore) Remove(fileName string) error {
	var errs []error
	paths := []string{
		filepath.Join(m.dir, filepath.Base(fileName)),
		m.recordPath(fileName, ".yaml"),
		m.recordPath(fileName, ".csv"),
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SourcePath returns the absolute location of a source file, rejecting
// names that would escape the documents directory.
func (m *MetadataStore) SourcePath(fileName string) (string, error) {
	clean := filepath.Base(filepath.Clean("/" + fileName))
	if clean != fileName || strings.HasPrefix(clean, ".") {
		return "", fmt.Errorf("invalid file name %q", fileName)
	}
	return filepath.Join(m.dir, clean), nil
}
