package rewrite

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"example.com/robolog/internal/container"
)

// streamPipelined runs read, process and write in three goroutines joined by
// bounded queues. Order is preserved because each stage is a single
// goroutine. The first error cancels the other stages.
func (r *run) streamPipelined(ctx context.Context, depth int) error {
	it, err := r.reader.Messages()
	if err != nil {
		return err
	}
	defer it.Close()

	g, gctx := errgroup.WithContext(ctx)
	read := make(chan container.Message, depth)
	processed := make(chan outcome, depth)

	g.Go(func() error {
		defer close(read)
		for {
			msg, err := it.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case read <- msg:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		defer close(processed)
		for msg := range read {
			out, err := r.process(msg)
			if err != nil {
				if err := r.settle(&out, err); err != nil {
					return err
				}
			}
			select {
			case processed <- out:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for out := range processed {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("rewrite cancelled: %w", err)
			}
			if err := r.write(out); err != nil {
				return err
			}
		}
		return nil
	})

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("rewrite cancelled: %w", ctx.Err())
	}
	return err
}
