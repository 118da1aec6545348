package templates

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRendererEnvironmentAllowList(t *testing.T) {
	t.Setenv("PURGECTL_TEST_ALLOWED", "allowed")
	t.Setenv("PURGECTL_TEST_DENIED", "denied")

	tests := []struct {
		name       string
		allowEnv   bool
		allowedEnv []string
		template   string
		want       string
	}{
		{name: "env disabled", allowEnv: false, allowedEnv: []string{"PURGECTL_TEST_ALLOWED"}, template: `{{ env "PURGECTL_TEST_ALLOWED" }}`, want: ""},
		{name: "env allowed", allowEnv: true, allowedEnv: []string{"PURGECTL_TEST_ALLOWED"}, template: `{{ env "PURGECTL_TEST_ALLOWED" }}`, want: "allowed"},
		{name: "env not listed", allowEnv: true, allowedEnv: []string{"PURGECTL_TEST_ALLOWED"}, template: `{{ env "PURGECTL_TEST_DENIED" }}`, want: ""},
		{name: "expandenv honours list", allowEnv: true, allowedEnv: []string{"PURGECTL_TEST_ALLOWED"}, template: `{{ expandenv "$PURGECTL_TEST_ALLOWED-$PURGECTL_TEST_DENIED" }}`, want: "allowed-"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			renderer := NewRenderer(tc.allowEnv, tc.allowedEnv)
			got, err := renderer.Substitute(tc.template, nil)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestRendererSubstitute(t *testing.T) {
	renderer := NewRenderer(false, nil)
	data := map[string]any{
		"invalidation": map[string]any{
			"id":         "42",
			"kind":       "path",
			"expression": "/news/*",
		},
	}

	tests := []struct {
		name    string
		source  string
		want    string
		wantErr bool
	}{
		{name: "plain text untouched", source: "/purge/", want: "/purge/"},
		{name: "token replaced", source: "/{{ .invalidation.kind }}/", want: "/path/"},
		{name: "sprig helper", source: `{{ .invalidation.expression | upper }}`, want: "/NEWS/*"},
		{name: "missing key renders zero value", source: "x{{ .invalidation.absent }}", want: "x<no value>"},
		{name: "syntax error", source: "{{ .invalidation.id ", wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := renderer.Substitute(tc.source, data)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestRendererCachesCompiledTemplates(t *testing.T) {
	renderer := NewRenderer(false, nil)
	source := "{{ .id }}"

	first, err := renderer.Substitute(source, map[string]any{"id": "a"})
	require.NoError(t, err)
	second, err := renderer.Substitute(source, map[string]any{"id": "b"})
	require.NoError(t, err)

	require.Equal(t, "a", first)
	require.Equal(t, "b", second)
	require.Len(t, renderer.cache, 1)
}

func TestRendererStripsSprigFileHelpers(t *testing.T) {
	renderer := NewRenderer(true, nil)

	helpers := []string{"readFile", "mustReadFile", "readDir", "mustReadDir", "glob"}
	for _, name := range helpers {
		name := name
		t.Run("removes "+name, func(t *testing.T) {
			_, ok := renderer.funcs[name]
			require.Falsef(t, ok, "expected sprig helper %q to be removed", name)
		})
	}

	t.Run("rejects removed helper", func(t *testing.T) {
		_, err := renderer.CompileInline("inline", "{{ readFile \"/etc/passwd\" }}")
		require.Error(t, err)
	})
}

func TestTemplateName(t *testing.T) {
	renderer := NewRenderer(false, nil)
	tmpl, err := renderer.CompileInline("example", "static")
	require.NoError(t, err)
	require.Equal(t, "example", tmpl.Name())

	empty, err := renderer.CompileInline("blank", "   ")
	require.NoError(t, err)
	require.Nil(t, empty)
	require.Equal(t, "", empty.Name())
}
