package expr

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcceptanceConditions(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	header := http.Header{"X-Ban-Id": []string{"abc"}}
	activation := ResponseActivation(http.StatusAccepted, header, `{"ok":true}`, map[string]any{"kind": "path"})

	tests := []struct {
		name       string
		expression string
		want       bool
	}{
		{name: "status range", expression: `response.status >= 200 && response.status < 300`, want: true},
		{name: "exact status mismatch", expression: `response.status == 200`, want: false},
		{name: "header lookup", expression: `lookup(response.headers, "x-ban-id") == "abc"`, want: true},
		{name: "missing header", expression: `lookup(response.headers, "x-missing") == "abc"`, want: false},
		{name: "body match", expression: `response.body.contains("ok")`, want: true},
		{name: "invalidation kind", expression: `invalidation.kind == "path"`, want: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			program, err := env.Compile(tc.expression)
			require.NoError(t, err)
			got, err := program.EvalBool(activation)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCompileRejectsInvalidExpressions(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile("   ")
	require.Error(t, err)

	_, err = env.Compile(`response.status +`)
	require.Error(t, err)

	_, err = env.Compile(`"not a bool"`)
	require.Error(t, err)
}

func TestProgramSource(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	program, err := env.Compile(`  true `)
	require.NoError(t, err)
	require.Equal(t, "true", program.Source())
}

func TestZeroProgramFails(t *testing.T) {
	_, err := Program{}.EvalBool(nil)
	require.Error(t, err)
}
