package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey names other files to merge beneath the current one. Later
// includes override earlier ones; the including file overrides them all.
const includeKey = "$include"

// Document is a configuration file tree flattened into one raw map.
type Document struct {
	Raw map[string]any

	// Files lists every file read, the root first.
	Files []string
}

// LoadRaw reads path and its includes into a merged document.
func LoadRaw(path string) (*Document, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	r := &docReader{active: map[string]bool{}}
	raw, err := r.read(path)
	if err != nil {
		return nil, err
	}
	return &Document{Raw: raw, Files: r.files}, nil
}

// docReader walks an include tree. active holds the files on the current
// include chain.
type docReader struct {
	active map[string]bool
	files  []string
}

func (r *docReader) read(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if r.active[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	r.active[abs] = true
	defer delete(r.active, abs)
	r.files = append(r.files, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := decodeFile(abs, []byte(expandEnv(string(data))))
	if err != nil {
		return nil, err
	}
	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(abs), err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := r.read(inc)
		if err != nil {
			return nil, err
		}
		overlay(merged, sub)
	}
	overlay(merged, doc)
	return merged, nil
}

// expandEnv substitutes $VAR and ${VAR}; ${VAR:-fallback} uses fallback when
// VAR is unset or empty. The $include key is left intact.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		if "$"+key == includeKey {
			return includeKey
		}
		name, fallback, hasFallback := strings.Cut(key, ":-")
		if value := os.Getenv(name); value != "" || !hasFallback {
			return value
		}
		return fallback
	})
}

// decodeFile parses JSON5 for .json and .json5 files and YAML otherwise.
func decodeFile(path string, data []byte) (map[string]any, error) {
	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	default:
		if err := decodeSingleYAML(data, &doc, false); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// decodeSingleYAML decodes exactly one YAML document. An empty input leaves
// out untouched.
func decodeSingleYAML(data []byte, out any, strict bool) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(strict)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("expected a single document")
	}
	return nil
}

// takeIncludes removes the include directive from doc and returns its paths.
func takeIncludes(doc map[string]any) ([]string, error) {
	value, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	var paths []string
	switch v := value.(type) {
	case nil:
	case string:
		paths = []string{v}
	case []any:
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			paths = append(paths, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a string or a list of strings", includeKey)
	}

	out := paths[:0]
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// overlay deep-merges src into dst. Nested maps merge key by key; any other
// value in src replaces the one in dst.
func overlay(dst, src map[string]any) {
	for key, value := range src {
		if sub, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				overlay(existing, sub)
				continue
			}
		}
		dst[key] = value
	}
}

// decode round-trips the merged document through YAML so unknown fields are
// rejected against the Config struct.
func (d *Document) decode() (*Config, error) {
	payload, err := yaml.Marshal(d.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	if err := decodeSingleYAML(payload, &cfg, true); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
