// Package codec implements the canonical-JSON encoding, content hashing, and
// timestamp source shared by the stream store and the Merkle engine.
//
// Every hash in this module is computed over canonical JSON so that two
// logically-identical events, built by encoding a map in a different key
// order, hash to the same digest.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// ErrInvalidInput is returned when a hash input or canonical-JSON value is
// malformed: a TAB byte in a hash input, or a value that cannot be encoded
// as JSON at all (e.g. a channel or a function).
var ErrInvalidInput = errors.New("codec: invalid input")

// Codec produces canonical JSON and content hashes. The zero value is ready
// to use; Truncate is a debug-only knob and must stay zero in production.
//
// Truncate, when non-zero, truncates returned hex digests to that many
// characters. It exists only to make fixtures readable during development
// and is a constructor-time field rather than a mutable package variable, so
// there is no runtime surface for accidentally enabling it in production.
type Codec struct {
	Truncate int
}

// Default is the production codec: truncation disabled.
var Default = Codec{}

// CanonicalJSON serializes v deterministically: object keys are sorted
// recursively, numbers use Go's default shortest round-trip formatting, and
// no incidental whitespace is emitted.
func CanonicalJSON(v any) (string, error) {
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, v); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	return buf.String(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encodeJSONString(buf, val)
	case float64:
		buf.WriteString(formatNumber(val))
	case int:
		buf.WriteString(strconv.Itoa(val))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case map[string]any:
		return encodeCanonicalObject(buf, val)
	case []any:
		return encodeCanonicalArray(buf, val)
	case []string:
		arr := make([]any, len(val))
		for i, s := range val {
			arr[i] = s
		}
		return encodeCanonicalArray(buf, arr)
	default:
		return fmt.Errorf("unsupported type %T", v)
	}
	return nil
}

func encodeCanonicalObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeJSONString(buf, k)
		buf.WriteByte(':')
		if err := encodeCanonical(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeCanonicalArray(buf *bytes.Buffer, a []any) error {
	buf.WriteByte('[')
	for i, elem := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeCanonical(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeJSONString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Hash joins strs with a TAB separator and returns the lowercase hex SHA-256
// digest. Any input containing a TAB byte fails with ErrInvalidInput, since
// a TAB-bearing input would make the join ambiguous.
func (c Codec) Hash(strs ...string) (string, error) {
	for _, s := range strs {
		if bytes.ContainsRune([]byte(s), '\t') {
			return "", fmt.Errorf("%w: hash input contains a TAB byte", ErrInvalidInput)
		}
	}
	joined := joinTab(strs)
	sum := sha256.Sum256([]byte(joined))
	digest := hex.EncodeToString(sum[:])
	if c.Truncate > 0 && c.Truncate < len(digest) {
		digest = digest[:c.Truncate]
	}
	return digest, nil
}

// Hash is the package-level convenience wrapper over Default.
func Hash(strs ...string) (string, error) {
	return Default.Hash(strs...)
}

func joinTab(strs []string) string {
	var buf bytes.Buffer
	for i, s := range strs {
		if i > 0 {
			buf.WriteByte('\t')
		}
		buf.WriteString(s)
	}
	return buf.String()
}

// NowISO returns the current UTC time as an ISO-8601 string with microsecond
// precision.
func NowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000")
}

// SessionKey returns the canonical-JSON encoding of a session descriptor: a
// mapping from category to an ordered list of values.
func SessionKey(descriptor map[string]any) (string, error) {
	return CanonicalJSON(descriptor)
}

// SortedStrings returns a sorted copy of ss, used wherever the spec requires
// hashing over "sorted(children)".
func SortedStrings(ss []string) []string {
	out := make([]string, len(ss))
	copy(out, ss)
	sort.Strings(out)
	return out
}
