package pipelinedef

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davarch/archbuild/internal/domain"
	"gopkg.in/yaml.v3"
)

// Load reads a pipeline definition from a YAML file. Unknown keys are
// rejected so that typos surface before a build starts.
func Load(path string) (domain.Pipeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return domain.Pipeline{}, domain.ConfigError("read pipeline %s: %v", path, err)
	}
	return Parse(b, path)
}

func Parse(b []byte, source string) (domain.Pipeline, error) {
	var p domain.Pipeline

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return domain.Pipeline{}, domain.ConfigError("parse pipeline %s: %v", source, err)
	}

	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	}
	return p, nil
}

// Resolve finds a pipeline by reference: a path to a YAML file, a built-in
// name, or <dir>/<name>.yaml.
func Resolve(ref, dir string) (domain.Pipeline, error) {
	if isFile(ref) {
		return Load(ref)
	}

	if p, ok := Builtin(ref); ok {
		return p, nil
	}

	if dir != "" {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, ref+ext)
			if _, err := os.Stat(path); err == nil {
				return Load(path)
			} else if !errors.Is(err, os.ErrNotExist) {
				return domain.Pipeline{}, domain.ConfigError("pipeline %s: %v", path, err)
			}
		}
	}

	return domain.Pipeline{}, domain.ConfigError("unknown pipeline %q (built-in: %s)", ref, strings.Join(Names(), ", "))
}

func Marshal(p domain.Pipeline) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("encode pipeline %s: %w", p.Name, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isFile(ref string) bool {
	ext := filepath.Ext(ref)
	return ext == ".yaml" || ext == ".yml" || strings.ContainsRune(ref, os.PathSeparator)
}
