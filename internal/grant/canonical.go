package grant

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// CanonicalHash returns the hex-encoded SHA-256 digest of input's canonical
// JSON form: object keys sorted recursively, no insignificant whitespace,
// numbers rendered in their shortest round-tripping form. Two inputs that are
// structurally equal but differ in key order or formatting hash identically,
// which is what lets an ExactInput grant match a re-serialized tool call.
//
// No library in the dependency surface implements RFC 8785-style JSON
// canonicalization, so this is hand-rolled over encoding/json's generic
// decode (map[string]any/[]any/float64/string/bool/nil).
func CanonicalHash(input []byte) (string, error) {
	if len(input) == 0 {
		input = []byte("{}")
	}

	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return "", fmt.Errorf("grant: input is not valid JSON: %w", err)
	}

	var sb strings.Builder
	if err := writeCanonical(&sb, v); err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:]), nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case string:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		sb.Write(encoded)
	case float64:
		sb.WriteString(canonicalNumber(val))
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			keyEncoded, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(keyEncoded)
			sb.WriteByte(':')
			if err := writeCanonical(sb, val[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		return fmt.Errorf("grant: unsupported JSON value type %T", v)
	}
	return nil
}

// canonicalNumber renders a float64 decoded from JSON in the shortest form
// that round-trips, preferring an integer form when the value has no
// fractional part and is exactly representable.
func canonicalNumber(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
