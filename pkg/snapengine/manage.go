package snapengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/function61/docsnap/pkg/snaptypes"
)

// single page of at most objectstore.ListLimit entries
func (e *Engine) List(ctx context.Context, includeContainers bool) ([]snaptypes.ObjectInfo, error) {
	return e.store.List(ctx, includeContainers, e.opts.DefaultContainerID)
}

func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}

	e.logl.Info.Printf("deleted %s", id)

	return nil
}

// deletes everything List() returns and then empties the trash. keeps going after individual
// failures, which are returned joined together. returns count of deleted objects.
func (e *Engine) DeleteAll(ctx context.Context, includeContainers bool) (int, error) {
	objects, err := e.List(ctx, includeContainers)
	if err != nil {
		return 0, err
	}

	errs := []error{}
	deleted := 0

	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		if err := e.store.Delete(ctx, obj.ID); err != nil {
			e.logl.Error.Printf("delete %s (%s): %v", obj.Name, obj.ID, err)

			errs = append(errs, fmt.Errorf("delete %s: %w", obj.Name, err))
			continue
		}

		deleted++
	}

	if err := e.EmptyTrash(ctx); err != nil {
		errs = append(errs, err)
	}

	e.logl.Info.Printf("deleted %d/%d object(s)", deleted, len(objects))

	return deleted, errors.Join(errs...)
}

// irreversible
func (e *Engine) EmptyTrash(ctx context.Context) error {
	if err := e.store.EmptyTrash(ctx); err != nil {
		return fmt.Errorf("emptyTrash: %w", err)
	}

	return nil
}
