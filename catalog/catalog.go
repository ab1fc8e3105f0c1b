// Package catalog loads the ordered list of test cases a run executes.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/tool-conformance/logger"
	"github.com/mykhaliev/tool-conformance/model"
)

// Source supplies test cases in execution order.
type Source interface {
	GetTests(ctx context.Context) ([]model.TestCaseDefinition, error)
}

// FileSource reads YAML catalog files in order and concatenates their tests.
type FileSource struct {
	Paths []string
}

func NewFileSource(paths ...string) *FileSource {
	return &FileSource{Paths: paths}
}

func (s *FileSource) GetTests(ctx context.Context) ([]model.TestCaseDefinition, error) {
	if len(s.Paths) == 0 {
		return nil, fmt.Errorf("no catalog files configured")
	}
	var tests []model.TestCaseDefinition
	seen := make(map[string]string)
	for _, path := range s.Paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := ValidateCatalogFile(path); err != nil {
			return nil, err
		}
		c, err := model.ParseCatalog(path)
		if err != nil {
			return nil, fmt.Errorf("catalog %s: %w", path, err)
		}
		logger.Logger.Debug("Catalog loaded",
			"file", path,
			"name", c.Name,
			"tests", len(c.Tests))
		for _, tc := range c.Tests {
			if tc.ID == "" {
				continue
			}
			if first, ok := seen[tc.ID]; ok {
				return nil, fmt.Errorf("catalog %s: duplicate test id %q (first defined in %s)", path, tc.ID, first)
			}
			seen[tc.ID] = path
		}
		tests = append(tests, c.Tests...)
	}
	return tests, nil
}

// StaticSource serves a fixed in-memory list.
type StaticSource struct {
	Tests []model.TestCaseDefinition
}

func NewStaticSource(tests ...model.TestCaseDefinition) *StaticSource {
	return &StaticSource{Tests: tests}
}

func (s *StaticSource) GetTests(context.Context) ([]model.TestCaseDefinition, error) {
	return append([]model.TestCaseDefinition(nil), s.Tests...), nil
}

// FilterByDomain keeps the tests of domain, preserving order. A nil domain
// keeps everything. A test without a domain counts as GENERIC. Tests whose
// domain does not parse are kept so that the engine reports them as malformed.
func FilterByDomain(tests []model.TestCaseDefinition, domain *model.Domain) []model.TestCaseDefinition {
	if domain == nil {
		return tests
	}
	return slices.Filter(tests, func(t model.TestCaseDefinition) bool {
		d, err := t.EffectiveDomain()
		return err != nil || d == *domain
	})
}

// ValidateCatalogFile checks that path is a non-empty YAML file.
func ValidateCatalogFile(path string) error {
	if path == "" {
		return fmt.Errorf("catalog file path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("path is a directory, not a file: %s", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("file is empty: %s", path)
	}
	if ext := filepath.Ext(path); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unexpected file extension %q for %s (expected .yaml or .yml)", ext, path)
	}
	return nil
}
