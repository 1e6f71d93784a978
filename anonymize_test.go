package custodia

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAnonymize(t *testing.T) {
	dob := time.Date(1990, time.June, 17, 14, 30, 0, 0, time.UTC)
	record := map[string]interface{}{
		"name":       "Jane Smith",
		"score":      float64(87),
		"age":        34,
		"dob":        dob,
		"session":    struct{}{},
		"department": "assessments",
	}

	out := Anonymize(record, []string{"name", "score", "age", "dob", "session"})

	// Strings become stable truncated hashes
	require.Len(t, out["name"], 8)
	require.NotEqual(t, "Jane Smith", out["name"])
	again := Anonymize(record, []string{"name"})
	require.Equal(t, out["name"], again["name"], "hash token must be stable")

	// Numbers lose precision to the nearest 10
	require.Equal(t, float64(90), out["score"])
	require.Equal(t, 30, out["age"])

	// Dates reduce to month granularity
	require.Equal(t, time.Date(1990, time.June, 1, 0, 0, 0, 0, time.UTC), out["dob"])

	// Unsupported sensitive types are dropped entirely
	_, present := out["session"]
	require.False(t, present)

	// Non-sensitive fields pass through untouched
	require.Equal(t, "assessments", out["department"])

	// The input is never modified
	require.Equal(t, "Jane Smith", record["name"])
	require.Equal(t, dob, record["dob"])
}

func TestAnonymizeDistinctInputs(t *testing.T) {
	a := Anonymize(map[string]interface{}{"name": "alice"}, []string{"name"})
	b := Anonymize(map[string]interface{}{"name": "bob"}, []string{"name"})
	require.NotEqual(t, a["name"], b["name"])
}
