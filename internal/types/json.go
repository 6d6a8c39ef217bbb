package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// UnmarshalJSON decodes a cell, coercing the value back to the concrete Go
// type its CQL tag implies. Without this, numbers round-trip through JSON
// as float64 and blobs as base64 strings, which breaks replay of DLQ
// records.
func (c *Column) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name  string          `json:"name"`
		Type  CQLType         `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Name = raw.Name
	c.Type = raw.Type

	if len(raw.Value) == 0 || string(raw.Value) == "null" {
		c.Value = nil
		return nil
	}

	v, err := decodeTypedValue(raw.Type, raw.Value)
	if err != nil {
		return fmt.Errorf("column %q: %w", raw.Name, err)
	}
	c.Value = v
	return nil
}

func decodeTypedValue(t CQLType, raw json.RawMessage) (any, error) {
	switch t {
	case TypeText, TypeVarchar, TypeAscii, TypeDecimal, TypeInet:
		return decodeAs[string](raw)
	case TypeInt:
		return decodeAs[int32](raw)
	case TypeBigint, TypeCounter, TypeTimestamp:
		return decodeAs[int64](raw)
	case TypeFloat:
		return decodeAs[float32](raw)
	case TypeDouble:
		return decodeAs[float64](raw)
	case TypeBoolean:
		return decodeAs[bool](raw)
	case TypeUUID, TypeTimeUUID:
		s, err := decodeAs[string](raw)
		if err != nil {
			return nil, err
		}
		return uuid.Parse(s)
	case TypeBlob, TypeTuple:
		s, err := decodeAs[string](raw)
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(s)
	case TypeMap:
		return decodeAs[map[string]string](raw)
	case TypeSet, TypeList:
		return decodeAs[[]string](raw)
	default:
		// Unknown tag: keep the raw JSON value untyped.
		return decodeAs[any](raw)
	}
}

func decodeAs[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
