package custodia

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"time"
)

// Anonymize produces an analytics-safe copy of a decoded record document.
//
// Fields named in sensitiveFields are transformed by type: strings become a
// stable truncated hash (the same input always maps to the same token, so
// aggregation still works), numbers are rounded to the nearest 10, and
// timestamps are reduced to month granularity. Sensitive fields of any
// other type are dropped. Fields not named pass through unchanged.
//
// The transform is pure; the input map is never modified and the result is
// never persisted over the original.
func Anonymize(record map[string]interface{}, sensitiveFields []string) map[string]interface{} {
	sensitive := make(map[string]bool, len(sensitiveFields))
	for _, f := range sensitiveFields {
		sensitive[f] = true
	}

	out := make(map[string]interface{}, len(record))
	for name, value := range record {
		if !sensitive[name] {
			out[name] = value
			continue
		}

		switch v := value.(type) {
		case string:
			out[name] = hashToken(v)
		case float64:
			out[name] = roundToTen(v)
		case float32:
			out[name] = roundToTen(float64(v))
		case int:
			out[name] = int(roundToTen(float64(v)))
		case int32:
			out[name] = int32(roundToTen(float64(v)))
		case int64:
			out[name] = int64(roundToTen(float64(v)))
		case time.Time:
			out[name] = time.Date(v.Year(), v.Month(), 1, 0, 0, 0, 0, v.Location())
		default:
			// Unhandled types carry unknown identification risk; drop them
		}
	}
	return out
}

func hashToken(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

func roundToTen(f float64) float64 {
	return math.Round(f/10) * 10
}
