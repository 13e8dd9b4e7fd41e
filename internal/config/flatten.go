package config

import (
	"strings"
)

// Keys whose values never leave the process unmasked.
var secretKeys = map[string]bool{
	"llm.api_key":    true,
	"vision.api_key": true,
	"telegram.token": true,
}

// IsSecretKey reports whether key names a credential.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten turns nested sections into dot-separated keys, so
// {"session": {"workers": 4}} becomes {"session.workers": 4}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	walk("", m, out)
	return out
}

func walk(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		if prefix != "" {
			k = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			walk(k, child, out)
			continue
		}
		out[k] = v
	}
}

// Unflatten is the inverse of Flatten. A scalar sitting where a section is
// needed is replaced by the section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		section := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := section[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				section[part] = next
			}
			section = next
		}
		section[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets copies flat, replacing non-empty secret strings with "***"
// plus their last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		if s, ok := v.(string); ok && s != "" && secretKeys[k] {
			out[k] = mask(s)
		}
	}
	return out
}

func mask(s string) string {
	if len(s) > 4 {
		s = s[len(s)-4:]
	}
	return "***" + s
}
