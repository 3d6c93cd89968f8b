package fingerprint

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestFingerprintProperties checks canonicalization laws over generated
// parameter maps.
func TestFingerprintProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("rebuilt maps fingerprint identically", prop.ForAll(
		func(params map[string]int) bool {
			a := make(map[string]any, len(params))
			for k, v := range params {
				a[k] = v
			}
			// Insert in a different order; Go maps give no ordering
			// guarantee but reversed key iteration still exercises it.
			keys := make([]string, 0, len(params))
			for k := range params {
				keys = append(keys, k)
			}
			b := make(map[string]any, len(params))
			for i := len(keys) - 1; i >= 0; i-- {
				b[keys[i]] = params[keys[i]]
			}

			fa, errA := Of("tool", "action", a, "caller")
			fb, errB := Of("tool", "action", b, "caller")
			return errA == nil && errB == nil && fa == fb
		},
		gen.MapOf(gen.AlphaString(), gen.Int()),
	))

	properties.Property("json round trip preserves fingerprint", prop.ForAll(
		func(params map[string]string, n int) bool {
			original := map[string]any{"n": n}
			for k, v := range params {
				original["p_"+k] = v
			}

			raw, err := json.Marshal(original)
			if err != nil {
				return false
			}
			var decoded map[string]any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return false
			}

			fa, errA := Of("tool", "action", original, "caller")
			fb, errB := Of("tool", "action", decoded, "caller")
			return errA == nil && errB == nil && fa == fb
		},
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
		gen.IntRange(-1<<40, 1<<40),
	))

	properties.Property("different callers never share a fingerprint", prop.ForAll(
		func(c1, c2 string) bool {
			if c1 == c2 {
				return true
			}
			fa, _ := Of("tool", "action", nil, c1)
			fb, _ := Of("tool", "action", nil, c2)
			return fa != fb
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
