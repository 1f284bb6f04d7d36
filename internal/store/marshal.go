package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

var (
	detailEnc cbor.EncMode
	detailDec cbor.DecMode
)

func init() {
	var err error
	detailEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("store: cbor enc mode: %v", err))
	}
	detailDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("store: cbor dec mode: %v", err))
	}
}

// marshalDetail converts an event detail map to canonical CBOR. A nil map
// encodes as an empty map so the column is never NULL.
func marshalDetail(detail map[string]any) ([]byte, error) {
	if detail == nil {
		detail = map[string]any{}
	}
	data, err := detailEnc.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshal detail: %w", err)
	}
	return data, nil
}

// unmarshalDetail parses a CBOR detail blob. An empty map comes back as nil,
// matching how events without extra keys are built.
func unmarshalDetail(data []byte) (map[string]any, error) {
	var detail map[string]any
	if err := detailDec.Unmarshal(data, &detail); err != nil {
		return nil, fmt.Errorf("unmarshal detail: %w", err)
	}
	if len(detail) == 0 {
		return nil, nil
	}
	return detail, nil
}

// marshalFault converts a Fault to JSON TEXT, or NULL when there is none.
// HTML escaping is disabled so fault messages are stored as written.
func marshalFault(f *Fault) (any, error) {
	if f == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("marshal fault: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalFault parses a nullable fault column.
func unmarshalFault(data *string) (*Fault, error) {
	if data == nil || *data == "" {
		return nil, nil
	}
	var f Fault
	if err := json.Unmarshal([]byte(*data), &f); err != nil {
		return nil, fmt.Errorf("unmarshal fault: %w", err)
	}
	return &f, nil
}
