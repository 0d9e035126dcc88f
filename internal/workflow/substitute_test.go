package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstituteString(t *testing.T) {
	vars := map[string]any{
		"user":    "alice",
		"amount":  12.5,
		"count":   3,
		"account": map[string]any{"id": "acc-9", "tags": []any{"gold", "vip"}},
		"items":   []any{"a", "b"},
	}
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "no tokens", want: "no tokens"},
		{name: "simple", in: "/users/{user}", want: "/users/alice"},
		{name: "float", in: "{amount}", want: "12.5"},
		{name: "int", in: "n={count}", want: "n=3"},
		{name: "dotted", in: "/accounts/{account.id}", want: "/accounts/acc-9"},
		{name: "index", in: "{account.tags.1}", want: "vip"},
		{name: "json", in: "{items}", want: `["a","b"]`},
		{name: "unresolved", in: "/users/{missing}/{account.nope}", want: "/users/{missing}/{account.nope}"},
		{name: "not a token", in: `{"raw": 1}`, want: `{"raw": 1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SubstituteString(tc.in, vars))
		})
	}
}

func TestSubstituteNestedValues(t *testing.T) {
	vars := map[string]any{"id": "42", "token": "secret"}
	params := map[string]any{
		"id":     "{id}",
		"nested": map[string]any{"list": []any{"{id}", 7}},
		"keep":   true,
	}
	got, ok := Substitute(params, vars).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "42", got["id"])
	assert.Equal(t, []any{"42", 7}, got["nested"].(map[string]any)["list"])
	assert.Equal(t, true, got["keep"])
	assert.Equal(t, "{id}", params["id"], "input must not be mutated")

	headers := Substitute(map[string]string{"Authorization": "Bearer {token}"}, vars).(map[string]string)
	assert.Equal(t, "Bearer secret", headers["Authorization"])
}

func TestLookupPrefersExactKey(t *testing.T) {
	vars := map[string]any{
		"a.b": "flat",
		"a":   map[string]any{"b": "nested"},
	}
	v, ok := Lookup(vars, "a.b")
	require.True(t, ok)
	assert.Equal(t, "flat", v)

	v, ok = Lookup(map[string]any{"m": map[string]int{"x": 1}}, "m.x")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = Lookup(vars, "a.b.c")
	assert.False(t, ok)
}
