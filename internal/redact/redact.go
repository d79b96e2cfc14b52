// Package redact scrubs secrets from values before they reach logs or trace
// files. Redaction is by key name and by URL userinfo; it never inspects
// value entropy.
package redact

import (
	"net/url"
	"strings"
)

// Sentinel replaces every redacted value.
const Sentinel = "[REDACTED]"

// defaultKeys are matched as substrings of lowered key names.
var defaultKeys = []string{
	"api-key",
	"api_key",
	"apikey",
	"authorization",
	"password",
	"token",
	"secret",
	"credential",
}

// Redactor scrubs maps and strings using a key list.
type Redactor struct {
	keys []string
}

// New builds a redactor over the default key list plus any extra keys from a
// workflow's redaction list.
func New(extra ...string) *Redactor {
	keys := make([]string, 0, len(defaultKeys)+len(extra))
	keys = append(keys, defaultKeys...)
	for _, k := range extra {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keys = append(keys, k)
		}
	}
	return &Redactor{keys: keys}
}

// Sensitive reports whether a key name matches the redaction list.
func (r *Redactor) Sensitive(key string) bool {
	lowered := strings.ToLower(key)
	for _, k := range r.keys {
		if strings.Contains(lowered, k) {
			return true
		}
	}
	return false
}

// Value scrubs a single value. Maps and slices are walked recursively;
// strings get URL userinfo rewritten.
func (r *Redactor) Value(key string, v any) any {
	if r.Sensitive(key) {
		return Sentinel
	}
	switch tv := v.(type) {
	case map[string]any:
		return r.Map(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = r.Value("", item)
		}
		return out
	case string:
		return r.String(tv)
	default:
		return v
	}
}

// Map returns a scrubbed copy; the input is never mutated.
func (r *Redactor) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = r.Value(k, v)
	}
	return out
}

// String rewrites embedded user:password@ URL credentials. Other string
// content passes through untouched.
func (r *Redactor) String(s string) string {
	if !strings.Contains(s, "@") || !strings.Contains(s, "://") {
		return s
	}
	fields := strings.Fields(s)
	changed := false
	for i, f := range fields {
		u, err := url.Parse(f)
		if err != nil || u.User == nil {
			continue
		}
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), Sentinel)
			// URL encoding escapes the sentinel's brackets; undo that so
			// the log line stays greppable.
			fields[i] = strings.Replace(u.String(), url.PathEscape(Sentinel), Sentinel, 1)
			changed = true
		}
	}
	if !changed {
		return s
	}
	return strings.Join(fields, " ")
}
