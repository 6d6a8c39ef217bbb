package sink

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tributary-io/tributary/internal/types"
)

// quoteIdent double-quotes an identifier for the relational destinations.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// backquoteIdent quotes an identifier for ClickHouse.
func backquoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// relationalValue converts a decoded cell into a parameter the pgx driver
// can bind against the mapped column type. Collections serialize to JSON
// for the jsonb columns; source timestamps become time values.
func relationalValue(c types.Column) (any, error) {
	if c.Value == nil {
		return nil, nil
	}
	switch c.Type {
	case types.TypeTimestamp:
		micros, ok := c.Value.(int64)
		if !ok {
			return nil, fmt.Errorf("column %q: timestamp value is %T", c.Name, c.Value)
		}
		return time.UnixMicro(micros).UTC(), nil
	case types.TypeMap, types.TypeSet, types.TypeList:
		return collectionJSON(c)
	default:
		return c.Value, nil
	}
}

// columnarValue converts a cell for the ClickHouse driver. Collections
// serialize to JSON strings; binary payloads ride as String.
func columnarValue(c types.Column) (any, error) {
	if c.Value == nil {
		return nil, nil
	}
	switch c.Type {
	case types.TypeTimestamp:
		micros, ok := c.Value.(int64)
		if !ok {
			return nil, fmt.Errorf("column %q: timestamp value is %T", c.Name, c.Value)
		}
		return time.UnixMicro(micros).UTC(), nil
	case types.TypeMap, types.TypeSet, types.TypeList:
		raw, err := collectionJSON(c)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case types.TypeBlob, types.TypeTuple:
		b, ok := c.Value.([]byte)
		if !ok {
			return nil, fmt.Errorf("column %q: blob value is %T", c.Name, c.Value)
		}
		return string(b), nil
	default:
		return c.Value, nil
	}
}

// collectionJSON renders a collection deterministically: sets and lists
// keep element order (sets are canonicalized upstream), maps marshal with
// sorted keys as encoding/json always does.
func collectionJSON(c types.Column) ([]byte, error) {
	v := c.Value
	if c.Type == types.TypeSet {
		if items, ok := v.([]string); ok {
			sorted := append([]string(nil), items...)
			sort.Strings(sorted)
			v = sorted
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("column %q: serialize %s: %w", c.Name, c.Type, err)
	}
	return raw, nil
}
