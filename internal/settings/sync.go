package settings

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
)

// Sync writes desired into repo and deletes ids listed in owned that are no
// longer desired. Ids saved through other paths are left alone. It returns
// the ids now owned by the caller.
func Sync(ctx context.Context, repo Repository, owned []string, desired map[string]PurgerSettings) ([]string, error) {
	ids := make([]string, 0, len(desired))
	for id := range desired {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := repo.Save(ctx, id, desired[id]); err != nil {
			errs = append(errs, fmt.Errorf("settings: sync save %s: %w", id, err))
		}
	}
	for _, id := range owned {
		if slices.Contains(ids, id) {
			continue
		}
		if err := repo.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("settings: sync delete %s: %w", id, err))
		}
	}
	return ids, errors.Join(errs...)
}
