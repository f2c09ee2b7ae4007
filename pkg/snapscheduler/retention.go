package snapscheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/function61/docsnap/pkg/snaptypes"
	"github.com/function61/gokit/logex"
	"github.com/samber/lo"
)

// deletes default-named backups (the kind the scheduler takes) except the newest "keepLast".
// manually named backups are never touched. returns what was deleted.
func Prune(ctx context.Context, engine Backupper, keepLast int, logl *logex.Leveled) ([]snaptypes.ObjectInfo, error) {
	if keepLast < 1 {
		return nil, fmt.Errorf("prune: keepLast must be >= 1; got %d", keepLast)
	}

	objects, err := engine.List(ctx, false)
	if err != nil {
		return nil, err
	}

	candidates := lo.Filter(objects, func(obj snaptypes.ObjectInfo, _ int) bool {
		return !obj.IsContainer() && snaptypes.IsDefaultBackupName(obj.Name)
	})

	// newest first. default names are timestamps, so they break ties between equal creation times.
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].Created.Equal(candidates[j].Created) {
			return candidates[i].Created.After(candidates[j].Created)
		}
		return candidates[i].Name > candidates[j].Name
	})

	if len(candidates) <= keepLast {
		return []snaptypes.ObjectInfo{}, nil
	}

	deleted := []snaptypes.ObjectInfo{}
	errs := []error{}

	for _, obj := range candidates[keepLast:] {
		if err := engine.Delete(ctx, obj.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", obj.Name, err))
			continue
		}

		logl.Info.Printf("pruned %s", obj.Name)

		deleted = append(deleted, obj)
	}

	return deleted, errors.Join(errs...)
}
