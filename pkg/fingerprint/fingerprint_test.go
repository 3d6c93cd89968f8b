package fingerprint

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOf_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"channel": "#ops", "text": "hi", "meta": map[string]any{"b": 1, "a": 2}}
	b := map[string]any{"meta": map[string]any{"a": 2, "b": 1}, "text": "hi", "channel": "#ops"}

	fa, err := Of("slack", "send_message", a, "user-1")
	require.NoError(t, err)
	fb, err := Of("slack", "send_message", b, "user-1")
	require.NoError(t, err)

	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)
}

func TestOf_DistinguishesInputs(t *testing.T) {
	params := map[string]any{"text": "hi"}
	base, err := Of("slack", "send_message", params, "user-1")
	require.NoError(t, err)

	cases := map[string]func() (string, error){
		"tool":   func() (string, error) { return Of("teams", "send_message", params, "user-1") },
		"action": func() (string, error) { return Of("slack", "post", params, "user-1") },
		"caller": func() (string, error) { return Of("slack", "send_message", params, "user-2") },
		"params": func() (string, error) { return Of("slack", "send_message", map[string]any{"text": "ho"}, "user-1") },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := fn()
			require.NoError(t, err)
			assert.NotEqual(t, base, got)
		})
	}
}

func TestOf_NoBoundaryAmbiguity(t *testing.T) {
	// Length prefixes keep adjacent fields from bleeding into each other.
	f1, err := Of("ab", "c", nil, "")
	require.NoError(t, err)
	f2, err := Of("a", "bc", nil, "")
	require.NoError(t, err)
	assert.NotEqual(t, f1, f2)
}

func TestOf_NilAndEmptyParamsMatch(t *testing.T) {
	f1, err := Of("t", "a", nil, "c")
	require.NoError(t, err)
	f2, err := Of("t", "a", map[string]any{}, "c")
	require.NoError(t, err)
	assert.Equal(t, f1, f2)
}

func TestCanonical_TypeTags(t *testing.T) {
	s, err := Canonical("1")
	require.NoError(t, err)
	n, err := Canonical(1)
	require.NoError(t, err)
	assert.NotEqual(t, s, n, "string and number must not collide")

	nilEnc, err := Canonical(nil)
	require.NoError(t, err)
	falseEnc, err := Canonical(false)
	require.NoError(t, err)
	assert.NotEqual(t, nilEnc, falseEnc)
}

func TestCanonical_NumericNormalization(t *testing.T) {
	i, err := Canonical(3)
	require.NoError(t, err)
	f, err := Canonical(3.0)
	require.NoError(t, err)
	jn, err := Canonical(json.Number("3"))
	require.NoError(t, err)

	assert.Equal(t, i, f)
	assert.Equal(t, i, jn)

	frac, err := Canonical(2.5)
	require.NoError(t, err)
	assert.Equal(t, "f:2.5;", string(frac))
}

func TestCanonical_RejectsNonFinite(t *testing.T) {
	_, err := Canonical(math.NaN())
	assert.Error(t, err)
	_, err = Canonical(math.Inf(1))
	assert.Error(t, err)
}

func TestCanonical_StructsMatchGenericForm(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	typed, err := Canonical(payload{Name: "x", Count: 2})
	require.NoError(t, err)
	generic, err := Canonical(map[string]any{"count": 2, "name": "x"})
	require.NoError(t, err)

	assert.Equal(t, generic, typed)
}

func TestCanonical_ArraysKeepOrder(t *testing.T) {
	a, err := Canonical([]any{1, 2})
	require.NoError(t, err)
	b, err := Canonical([]any{2, 1})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	typed, err := Canonical([]string{"x", "y"})
	require.NoError(t, err)
	generic, err := Canonical([]any{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, generic, typed)
}
