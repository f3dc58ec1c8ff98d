// Package msgcat renders client-facing error texts from YAML templates.
package msgcat

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	yaml "gopkg.in/yaml.v3"
)

//go:embed messages.yaml
var defaultFiles embed.FS

// Catalog holds parsed templates keyed by dotted path (errors.ILLEGAL_MOVE).
// It is immutable after New and safe for concurrent use.
type Catalog struct {
	tpls map[string]*template.Template
}

// New parses the embedded messages, then overlays *.yaml/*.yml files from
// overrideDir in name order. Overrides may only replace keys the embedded
// file defines.
func New(overrideDir string) (*Catalog, error) {
	raw, err := defaultFiles.ReadFile("messages.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded messages: %w", err)
	}
	texts, err := flatten(raw)
	if err != nil {
		return nil, fmt.Errorf("parse embedded messages: %w", err)
	}
	if dir := strings.TrimSpace(overrideDir); dir != "" {
		if err := overlayDir(texts, dir); err != nil {
			return nil, err
		}
	}

	c := &Catalog{tpls: make(map[string]*template.Template, len(texts))}
	for k, v := range texts {
		t, err := template.New(k).Option("missingkey=error").Parse(v)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", k, err)
		}
		c.tpls[k] = t
	}
	return c, nil
}

// MustDefault returns the embedded catalog.
func MustDefault() *Catalog {
	c, err := New("")
	if err != nil {
		panic(err)
	}
	return c
}

func overlayDir(texts map[string]string, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read messages dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	seen := make(map[string]string)
	for _, name := range files {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		flat, err := flatten(b)
		if err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		for k, v := range flat {
			if _, ok := texts[k]; !ok {
				return fmt.Errorf("%s: unknown message key %q", name, k)
			}
			if prev, ok := seen[k]; ok {
				return fmt.Errorf("message key %q set in both %s and %s", k, prev, name)
			}
			seen[k] = name
			texts[k] = v
		}
	}
	return nil
}

func flatten(b []byte) (map[string]string, error) {
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if err := walk(m, "", out); err != nil {
		return nil, err
	}
	return out, nil
}

func walk(src any, prefix string, out map[string]string) error {
	switch v := src.(type) {
	case map[string]any:
		for k, vv := range v {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if err := walk(vv, key, out); err != nil {
				return err
			}
		}
	case string:
		if prefix == "" {
			return fmt.Errorf("top-level string without key")
		}
		out[prefix] = v
	case nil:
	default:
		return fmt.Errorf("unsupported value at %s: %T", prefix, v)
	}
	return nil
}

// Render executes the template stored under key. A missing key or a
// template field absent from data is an error.
func (c *Catalog) Render(key string, data any) (string, error) {
	t, ok := c.tpls[strings.TrimSpace(key)]
	if !ok {
		return "", fmt.Errorf("message not found: %s", key)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// ErrorText renders errors.<code>, falling back to fallback when the key is
// missing or its template needs data that was not supplied.
func (c *Catalog) ErrorText(code string, data map[string]string, fallback string) string {
	if c == nil {
		return fallback
	}
	if data == nil {
		data = map[string]string{}
	}
	s, err := c.Render("errors."+code, data)
	if err != nil || strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
