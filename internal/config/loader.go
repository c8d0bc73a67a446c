package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey names sibling files merged underneath the current one.
const includeKey = "$include"

const maxIncludeDepth = 8

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// LoadRaw reads path and every file it includes into one map. Keys in the
// including file override keys from its includes.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	var l includeLoader
	return l.load(path)
}

// includeLoader walks $include chains. stack holds the absolute paths of the
// files currently being loaded.
type includeLoader struct {
	stack []string
}

func (l *includeLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if slices.Contains(l.stack, abs) {
		return nil, fmt.Errorf("config include cycle: %s -> %s", strings.Join(l.stack, " -> "), abs)
	}
	if len(l.stack) > maxIncludeDepth {
		return nil, fmt.Errorf("config includes nested deeper than %d at %s", maxIncludeDepth, abs)
	}
	l.stack = append(l.stack, abs)
	defer func() { l.stack = l.stack[:len(l.stack)-1] }()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := decodeDocument([]byte(ExpandEnv(string(data))), filepath.Ext(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	includes, err := popIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		included, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		deepMerge(merged, included)
	}
	deepMerge(merged, doc)
	return merged, nil
}

// ExpandEnv replaces ${VAR} and ${VAR:-default} references. A bare $VAR is
// left alone so literal dollars in secrets survive.
func ExpandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(ref string) string {
		match := envPattern.FindStringSubmatch(ref)
		if value, ok := os.LookupEnv(match[1]); ok && value != "" {
			return value
		}
		return match[2]
	})
}

// decodeDocument parses JSON/JSON5 by extension and YAML otherwise. YAML
// input must hold a single document.
func decodeDocument(data []byte, ext string) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(ext) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("expected a single YAML document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// popIncludes removes the include directive from doc and returns its paths.
func popIncludes(doc map[string]any) ([]string, error) {
	value, ok := doc[includeKey]
	delete(doc, includeKey)
	if !ok || value == nil {
		return nil, nil
	}
	if single, ok := value.(string); ok {
		value = []any{single}
	}
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a string or list of strings", includeKey)
	}
	paths := make([]string, 0, len(list))
	for _, entry := range list {
		path, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("%s entries must be strings", includeKey)
		}
		if strings.TrimSpace(path) != "" {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// deepMerge copies src into dst, recursing where both sides hold maps.
func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		child, isMap := value.(map[string]any)
		existing, hasMap := dst[key].(map[string]any)
		if isMap && hasMap {
			deepMerge(existing, child)
			continue
		}
		dst[key] = value
	}
}

// decodeRawConfig strictly decodes raw onto base(): unknown keys are errors.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	cfg := base()
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
