// Package definition loads YAML card and row definitions, validates them
// and provides a registry with atomic pointer swap.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/formcard/model"
)

// Loader scans directories for YAML definition files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a DefinitionFile. Files are returned in path order.
func (l *Loader) LoadAll(directories []string) ([]model.DefinitionFile, error) {
	var files []model.DefinitionFile

	for _, dir := range directories {
		var paths []string
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}
			paths = append(paths, path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}

		sort.Strings(paths)
		for _, path := range paths {
			f, err := l.LoadFile(path)
			if err != nil {
				return nil, fmt.Errorf("loading %s: %w", path, err)
			}
			files = append(files, f)
		}
	}

	return files, nil
}

// LoadFile loads and parses a single YAML definition file. It computes the
// SHA-256 checksum and records the source file path on the file and on each
// definition in it.
func (l *Loader) LoadFile(path string) (model.DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.DefinitionFile{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var f model.DefinitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return model.DefinitionFile{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	f.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	f.SourceFile = path
	for i := range f.Cards {
		f.Cards[i].SourceFile = path
	}
	for i := range f.Rows {
		f.Rows[i].SourceFile = path
	}

	return f, nil
}

// LoadDirectories loads every definition file under directories and
// validates them together. Validation problems are returned as one
// VALIDATION_ERROR envelope.
func LoadDirectories(directories []string) ([]model.DefinitionFile, error) {
	files, err := NewLoader().LoadAll(directories)
	if err != nil {
		return nil, err
	}
	if err := AsError(NewValidator().Validate(files)); err != nil {
		return nil, err
	}
	return files, nil
}
