package sync

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/tilldesk/possync/internal/schema"
)

// moneyEpsilon absorbs floating-point rounding when comparing numeric and
// monetary values: two values within half a cent are the same value.
const moneyEpsilon = 0.005

// instantLayouts are the accepted date/datetime representations, tried in
// order. Terminals submit RFC 3339; imported data occasionally carries the
// space-separated and date-only forms.
var instantLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// HashPayload returns the 16-hex-digit content digest of a payload used for
// change detection. Serialization is canonical: encoding/json sorts map keys
// at every nesting level, so two semantically identical payloads hash
// identically regardless of insertion order. FNV-1a is deliberate — this is
// cheap change detection, not an integrity check.
//
// A payload that cannot be serialized fails with an explicit error; callers
// must surface it rather than fall back to an empty hash, which would make
// every later detection run report a phantom conflict.
func HashPayload(p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to serialize payload for hashing: %w", err)
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// ValuesEqual reports whether a server value and a client value are the same
// under the comparison semantics of the field's kind:
//
//   - number/money/quantity: equal within moneyEpsilon after numeric parsing
//   - date/datetime: equal as instants after layout parsing
//   - relation: equal referenced ids, unwrapping {"id": ...} objects
//   - everything else: strict equality; nil == nil, nil != non-nil
//
// Values that fail kind-specific parsing fall back to strict equality rather
// than guessing.
func ValuesEqual(a, b any, kind schema.FieldKind) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch kind {
	case schema.KindNumber, schema.KindMoney, schema.KindQuantity:
		af, aok := toFloat(a)
		bf, bok := toFloat(b)
		if aok && bok {
			return math.Abs(af-bf) < moneyEpsilon
		}
	case schema.KindDate, schema.KindDateTime:
		at, aok := parseInstant(a)
		bt, bok := parseInstant(b)
		if aok && bok {
			return at.Equal(bt)
		}
	case schema.KindRelation:
		return referencedID(a) == referencedID(b)
	}

	return reflect.DeepEqual(a, b)
}

// toFloat widens the numeric representations a JSON payload can carry.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// parseInstant converts a payload value to a point in time.
func parseInstant(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range instantLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// referencedID unwraps a relation value to the referenced identifier. Values
// arrive either as a bare id or as a reference object carrying an "id" key.
func referencedID(v any) string {
	if m, ok := v.(map[string]any); ok {
		if id, ok := m["id"]; ok {
			return fmt.Sprint(id)
		}
	}
	return fmt.Sprint(v)
}

// stringOf renders a payload value for text merging; nil renders empty.
func stringOf(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
