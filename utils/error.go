package utils

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// ErrExec runs every function concurrently and returns the first failure.
func ErrExec(ctx context.Context, functions ...func(ctx context.Context) error) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, one := range functions {
		group.Go(func() error {
			return one(groupCtx)
		})
	}

	return group.Wait()
}

// ErrExecSequential runs every function even if earlier ones fail and joins the failures.
func ErrExecSequential(functions ...func() error) error {
	var multErr error
	for _, one := range functions {
		err := one()
		if err != nil {
			multErr = multierror.Append(multErr, err)
		}
	}

	return multErr
}

func ErrExecFormat(format string, function func() error) func() error {
	return func() error {
		if err := function(); err != nil {
			return fmt.Errorf(format, err)
		}

		return nil
	}
}
