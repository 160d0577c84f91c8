package registry

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

//go:embed seed.yaml
var seedYAML []byte

// Source supplies regulation documents by id
type Source interface {
	Load(ctx context.Context, regulationID string) (*domain.RegulationDocument, error)
	IDs(ctx context.Context) ([]string, error)
}

type yamlFile struct {
	Regulations []domain.RegulationDocument `yaml:"regulations"`
}

// YAMLSource serves regulation documents parsed from a YAML seed file
type YAMLSource struct {
	docs map[string]domain.RegulationDocument
}

// NewYAMLSource parses a seed document
func NewYAMLSource(data []byte) (*YAMLSource, error) {
	var f yamlFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse regulations yaml: %w", err)
	}

	docs := make(map[string]domain.RegulationDocument, len(f.Regulations))
	for i := range f.Regulations {
		d := f.Regulations[i]
		if err := domain.ValidateRegulationDocument(&d); err != nil {
			return nil, fmt.Errorf("regulation %d: %w", i, err)
		}
		if _, dup := docs[d.ID]; dup {
			return nil, fmt.Errorf("regulation %s listed twice", d.ID)
		}
		docs[d.ID] = d
	}
	return &YAMLSource{docs: docs}, nil
}

// LoadYAMLFile reads a seed file from disk
func LoadYAMLFile(path string) (*YAMLSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read regulations file: %w", err)
	}
	return NewYAMLSource(data)
}

// DefaultSource returns the regulations bundled with the binary
func DefaultSource() *YAMLSource {
	src, err := NewYAMLSource(seedYAML)
	if err != nil {
		panic(fmt.Sprintf("bundled regulations are invalid: %v", err))
	}
	return src
}

// Load returns the document for regulationID
func (s *YAMLSource) Load(_ context.Context, regulationID string) (*domain.RegulationDocument, error) {
	d, ok := s.docs[regulationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRegulationNotFound, regulationID)
	}
	return &d, nil
}

// IDs lists the regulation ids the source knows, sorted
func (s *YAMLSource) IDs(_ context.Context) ([]string, error) {
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
