package schema

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/topicbridge/errors"
)

//go:embed builtin.yaml
var builtinDefs []byte

// definitionFile is the on-disk layout of a type definition file.
type definitionFile struct {
	Types []TypeDef `yaml:"types"`
}

// ParseDefinitions decodes a YAML definition document.
func ParseDefinitions(data []byte) ([]TypeDef, error) {
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.WrapInvalid(err, "schema", "ParseDefinitions", "decode yaml")
	}
	return file.Types, nil
}

// Load defines every type in a YAML document.
func (r *Registry) Load(data []byte) (int, error) {
	defs, err := ParseDefinitions(data)
	if err != nil {
		return 0, err
	}
	for _, def := range defs {
		if err := r.Define(def); err != nil {
			return 0, err
		}
	}
	return len(defs), nil
}

// LoadFile defines every type declared in a YAML file.
func (r *Registry) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.WrapInvalid(err, "schema", "LoadFile", "read "+path)
	}
	n, err := r.Load(data)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return n, nil
}

// LoadDir loads every *.yaml and *.yml file in dir, in name order.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.WrapInvalid(err, "schema", "LoadDir", "read "+dir)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	total := 0
	for _, p := range paths {
		n, err := r.LoadFile(p)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (r *Registry) loadBuiltins() error {
	_, err := r.Load(builtinDefs)
	return err
}
