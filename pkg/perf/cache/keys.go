package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/convoanalytics/perflayer/pkg/analytics"
)

// maxKeyLength bounds cache keys so they stay usable as map keys and in
// pattern invalidation scans.
const maxKeyLength = 200

// Key is a deterministic, collision-resistant cache key. Keys are only
// produced by the builder functions in this package; the underlying string
// carries an operation-kind prefix followed by a SHA-1 digest of the
// normalized inputs.
type Key struct {
	s string
}

// String returns the key's string form.
func (k Key) String() string { return k.s }

// IsZero reports whether the key was never built.
func (k Key) IsZero() bool { return k.s == "" }

// Kind parses the operation kind out of the key prefix.
func (k Key) Kind() analytics.OperationKind {
	return analytics.KindFromKey(k.s)
}

// KeyFromString wraps a raw key string. Intended for keys that round-tripped
// through the pattern learner or warming queue, not for ad-hoc construction.
func KeyFromString(s string) Key { return Key{s: s} }

// QueryKey builds a cache key for a parameterized query. Parameters are
// normalized by sorting names and encoding values stably, so maps that are
// equal as multisets of (name, value) produce equal keys regardless of
// insertion order.
func QueryKey(queryID, sql string, params map[string]interface{}) Key {
	normalized := normalizeParams(params)

	h := sha1.New()
	h.Write([]byte(sql))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	digest := hex.EncodeToString(h.Sum(nil))

	return newKey(fmt.Sprintf("%s:%s:%s", analytics.OpQuery, queryID, digest))
}

// ContentKey builds a cache key for an operation over opaque content, such
// as topic-extraction memoization or per-bundle analysis results.
func ContentKey(op analytics.OperationKind, content string) Key {
	digest := sha1.Sum([]byte(content))
	return newKey(fmt.Sprintf("%s:%s", op, hex.EncodeToString(digest[:])))
}

// BundleKey fingerprints a conversation bundle for analysis caching. The
// fingerprint covers the conversation identity, its last update time and the
// message count, so a bundle that changed produces a fresh key.
func BundleKey(op analytics.OperationKind, bundle analytics.Bundle) Key {
	content := fmt.Sprintf("%s|%d|%d",
		bundle.Conversation.ID,
		bundle.Conversation.UpdatedAt.UnixNano(),
		len(bundle.Messages))
	return ContentKey(op, content)
}

// BundleSetKey fingerprints an ordered set of bundles for batch operations
// such as knowledge-gap detection.
func BundleSetKey(op analytics.OperationKind, bundles []analytics.Bundle) Key {
	var sb strings.Builder
	for _, b := range bundles {
		fmt.Fprintf(&sb, "%s|%d|%d;", b.Conversation.ID, b.Conversation.UpdatedAt.UnixNano(), len(b.Messages))
	}
	return ContentKey(op, sb.String())
}

func newKey(s string) Key {
	if len(s) > maxKeyLength {
		s = s[:maxKeyLength]
	}
	return Key{s: s}
}

// normalizeParams renders parameters in a stable order and encoding.
func normalizeParams(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(encodeParamValue(params[name]))
	}
	return sb.String()
}

// encodeParamValue produces a stable text encoding for a parameter value.
// Nested maps and slices are normalized recursively.
func encodeParamValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return val
	case map[string]interface{}:
		return "{" + normalizeParams(val) + "}"
	case []interface{}:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = encodeParamValue(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case float64:
		// Integral floats (the common case after JSON decoding) render
		// without an exponent so they match their int counterparts.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
