package mailutil

import (
	"strings"
	"unicode"

	"leadmark-worker/internal/entity"
)

// NormalizeHeaderName lower-cases name and drops everything that is not a
// letter or a digit, so Message-ID, message_id and MESSAGEID compare equal.
func NormalizeHeaderName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func keySet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if n := NormalizeHeaderName(k); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// FindHeaders returns the headers whose name matches one of keys, in input order.
func FindHeaders(headers []entity.Header, keys ...string) []entity.Header {
	set := keySet(keys)
	var out []entity.Header
	for _, h := range headers {
		if _, ok := set[NormalizeHeaderName(h.Name)]; ok {
			out = append(out, h)
		}
	}
	return out
}

// FindHeaderMap is FindHeaders keyed by the original header name. The first
// occurrence of a repeated header wins.
func FindHeaderMap(headers []entity.Header, keys ...string) map[string]string {
	out := make(map[string]string)
	for _, h := range FindHeaders(headers, keys...) {
		if _, seen := out[h.Name]; !seen {
			out[h.Name] = h.Value
		}
	}
	return out
}

// HeaderValue returns the first value for key, or "".
func HeaderValue(headers []entity.Header, key string) string {
	found := FindHeaders(headers, key)
	if len(found) == 0 {
		return ""
	}
	return found[0].Value
}
