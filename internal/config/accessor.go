package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// tree is the config as generic JSON, addressed by the same keys the file uses.
type tree = map[string]any

func toTree(cfg *Config) (tree, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var t tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return t, nil
}

// fromTree decodes t into cfg, rejecting keys the Config type does not have.
func fromTree(t tree, cfg *Config) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var next Config
	if err := dec.Decode(&next); err != nil {
		return err
	}
	*cfg = next
	return nil
}

// section walks to the map holding the last key of path.
func section(t tree, path string) (tree, string, error) {
	keys := strings.Split(path, ".")
	for i, k := range keys {
		if k == "" {
			return nil, "", fmt.Errorf("invalid config path %q", path)
		}
		if i == len(keys)-1 {
			break
		}
		next, ok := t[k].(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("unknown config section %q in %s", k, path)
		}
		t = next
	}
	return t, keys[len(keys)-1], nil
}

// GetByPath returns the value at a dot path such as "knowledge.topN".
// Sections come back as maps.
func GetByPath(cfg *Config, path string) (any, error) {
	t, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	parent, key, err := section(t, path)
	if err != nil {
		return nil, err
	}
	v, ok := parent[key]
	if !ok {
		return nil, fmt.Errorf("key not found: %s", path)
	}
	return v, nil
}

// SetByPath assigns a value given on the command line. Strings are coerced
// to the type the key currently holds; lists take comma separated values.
func SetByPath(cfg *Config, path string, value any) error {
	t, err := toTree(cfg)
	if err != nil {
		return err
	}
	parent, key, err := section(t, path)
	if err != nil {
		return err
	}
	if _, isSection := parent[key].(map[string]any); isSection {
		return fmt.Errorf("%s is a section, set one of its keys", path)
	}

	coerced, err := coerce(parent[key], value)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	parent[key] = coerced

	if err := fromTree(t, cfg); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

// coerce converts a raw string to the JSON type of current. Keys omitted
// from the file (current == nil) get a best guess.
func coerce(current, value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	switch current.(type) {
	case bool:
		return strconv.ParseBool(s)
	case float64:
		return strconv.ParseFloat(s, 64)
	case []any:
		return splitList(s), nil
	case string:
		return s, nil
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	if strings.Contains(s, ",") {
		return splitList(s), nil
	}
	return s, nil
}

func splitList(s string) []any {
	out := []any{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Sanitize returns a copy with credentials masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	c.Server.AllowedOrigins = append([]string(nil), cfg.Server.AllowedOrigins...)
	c.Ollama.FallbackBases = append([]string(nil), cfg.Ollama.FallbackBases...)

	c.Auth.JWTSecret = maskString(c.Auth.JWTSecret)
	c.Research.TavilyAPIKey = maskString(c.Research.TavilyAPIKey)
	c.Telegram.Token = maskString(c.Telegram.Token)
	c.Server.AdminKey = maskString(c.Server.AdminKey)
	return &c
}

// maskString keeps four characters at each end. Empty stays empty.
func maskString(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths flattens the config into dot paths and leaf values.
func ListPaths(cfg *Config) map[string]any {
	t, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	flatten("", t, out)
	return out
}

func flatten(prefix string, t tree, out map[string]any) {
	for k, v := range t {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(path, sub, out)
			continue
		}
		out[path] = v
	}
}
