package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// Render produces the canonical text form of a state.
//
// Canonical means:
//   - fields in declaration order (structs, never maps)
//   - no HTML escaping (<, > and & are literal)
//   - U+2028 and U+2029 are literal, not escaped
//   - no trailing newline
//
// String contents are not normalized: the bytes a program produced are the
// bytes that get hashed and restored.
func Render(s *State) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("render snapshot: %w", err)
	}
	return unescapeU2028U2029(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// Hash returns the FNV-1a 64 hash of the canonical form as 16 hex digits.
func Hash(s *State) (string, error) {
	data, err := Render(s)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// HashBytes hashes already-rendered canonical bytes.
func HashBytes(data []byte) string {
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Parse reads a rendered state.
func Parse(data []byte) (*State, error) {
	var s State
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &s, nil
}

// marshalCanonicalString encodes a JSON string without HTML escaping and with
// literal line and paragraph separators.
func marshalCanonicalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return unescapeU2028U2029(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// unescapeU2028U2029 turns the \u2028 and \u2029 escapes that encoding/json
// emits back into literal characters. A sequence preceded by an odd number of
// backslashes is literal text (\\u2028) and stays as is.
func unescapeU2028U2029(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	backslashes := 0
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c == '\\' && backslashes%2 == 0 && i+6 <= len(data) &&
			bytes.HasPrefix(data[i+1:], []byte("u202")) && (data[i+5] == '8' || data[i+5] == '9') {
			if data[i+5] == '8' {
				out = append(out, "\u2028"...)
			} else {
				out = append(out, "\u2029"...)
			}
			i += 5
			backslashes = 0
			continue
		}
		if c == '\\' {
			backslashes++
		} else {
			backslashes = 0
		}
		out = append(out, c)
	}
	return out
}
