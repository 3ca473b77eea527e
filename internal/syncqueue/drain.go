package syncqueue

import (
	"context"
	"errors"
	"fmt"
)

// Replayer re-sends one item to the origin. A nil error means the origin
// accepted it and the item may be dropped.
type Replayer interface {
	Replay(ctx context.Context, item Item) error
}

// Result summarises one drain.
type Result struct {
	Attempted int
	Replayed  int
	Failed    int
}

// Drain replays every pending item in order. Successful items are removed,
// failed ones stay queued for the next trigger; a failure never stops the
// remaining items from being attempted. observe, when non-nil, sees each
// attempt's outcome.
func Drain(ctx context.Context, q Queue, r Replayer, observe func(Item, error)) (Result, error) {
	items, err := q.List(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("syncqueue: drain list: %w", err)
	}
	var res Result
	for _, item := range items {
		res.Attempted++
		err := r.Replay(ctx, item)
		if err == nil {
			if rmErr := q.Remove(ctx, item.ID); rmErr != nil && !errors.Is(rmErr, ErrNotFound) {
				err = fmt.Errorf("syncqueue: remove replayed %s: %w", item.ID, rmErr)
			}
		}
		if err != nil {
			res.Failed++
		} else {
			res.Replayed++
		}
		if observe != nil {
			observe(item, err)
		}
	}
	return res, nil
}
