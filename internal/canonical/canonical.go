// Package canonical produces deterministic serializations of structured
// payloads. The canonical bytes are what gets signed and what the content
// hash (the delivery idempotency token) is computed over, so the encoding
// must be stable across processes and releases: object keys sorted, null
// fields dropped, timestamps as ISO-8601 UTC strings.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Canonicalize returns the canonical JSON encoding of v.
// v is round-tripped through generic JSON first so struct field order and
// map iteration order never leak into the output.
func Canonicalize(v any) ([]byte, error) {
	raw, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := writeValue(&buf, normalize(generic)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the hex SHA-256 content hash of the canonical bytes.
// Receivers use it to deduplicate retried attempts of the same logical
// delivery.
func Hash(canonicalBody []byte) string {
	sum := sha256.Sum256(canonicalBody)
	return hex.EncodeToString(sum[:])
}

// marshalNoEscape marshals without HTML escaping so canonical bytes match
// what other language SDKs compute over the raw JSON.
func marshalNoEscape(v any) ([]byte, error) {
	if t, ok := v.(time.Time); ok {
		v = t.UTC().Format(time.RFC3339Nano)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalize strips null members from objects, recursively. Absent and null
// are the same fact in the wire contract; dropping nulls keeps the hash
// independent of which one a producer happened to emit.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, member := range val {
			if member == nil {
				continue
			}
			out[k] = normalize(member)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, member := range val {
			out[i] = normalize(member)
		}
		return out
	default:
		return v
	}
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalNoEscape(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, member := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, member); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	default:
		b, err := marshalNoEscape(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
