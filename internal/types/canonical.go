package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// unitSep separates canonicalized components. It cannot occur in rendered
// scalars, which keeps boundaries unambiguous when values are concatenated.
const unitSep = "\x1f"

// CanonicalString renders a cell value into a stable textual form used for
// hashing, masking, and partition identity. Two equal values always
// canonicalize identically; collections are sorted first so that map and
// set ordering at the source cannot perturb derived ids or mask tokens.
func CanonicalString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case uuid.UUID:
		return val.String()
	case time.Time:
		return strconv.FormatInt(val.UTC().UnixMicro(), 10)
	case map[string]string:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + val[k]
		}
		return strings.Join(parts, unitSep)
	case []string:
		sorted := make([]string, len(val))
		copy(sorted, val)
		sort.Strings(sorted)
		return strings.Join(sorted, unitSep)
	default:
		return fmt.Sprintf("%v", val)
	}
}
