package settings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSync(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	require.NoError(t, repo.Save(ctx, "manual", PurgerSettings{Hostname: "manual.example.com"}))

	owned, err := Sync(ctx, repo, nil, map[string]PurgerSettings{
		"b": {Hostname: "b.example.com"},
		"a": {Hostname: "a.example.com"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, owned)

	owned, err = Sync(ctx, repo, owned, map[string]PurgerSettings{
		"a": {Hostname: "a2.example.com"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, owned)

	ids, err := repo.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "manual"}, ids)

	got, err := repo.Load(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "a2.example.com", got.Hostname)
}
