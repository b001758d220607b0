package framework

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunnerAggregatesErrors(t *testing.T) {
	failed := errors.New("listen failed")
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunnerWith(ctx)
	r.Go(
		NamedRun("status", RunFunc(func(context.Context) error { return failed })),
		NamedRun("loop", RunFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})),
		RunFunc(func(context.Context) error { return nil }),
	)
	cancel()
	err := r.Wait()
	require.Error(t, err)
	require.ErrorIs(t, err, failed)
	require.Equal(t, "status: listen failed", err.Error())
	require.Len(t, r.Runners, 3)
}

func TestRunnerWithoutErrors(t *testing.T) {
	r := NewRunner().Go(RunFunc(func(context.Context) error { return nil }))
	require.NoError(t, r.Wait())
}

func TestAggregatedError(t *testing.T) {
	var errs AggregatedError
	require.NoError(t, errs.Aggregate())
	a, b := errors.New("a"), errors.New("b")
	errs.Add(nil, a, nil, b)
	err := errs.Aggregate()
	require.Equal(t, "2 errors:\n  a\n  b", err.Error())
	require.ErrorIs(t, err, b)
}

func TestRunWithContextCancel(t *testing.T) {
	require.Equal(t, errors.New("done"), RunWithContextCancel(context.Background(), nil, func() error {
		return errors.New("done")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})
	started := make(chan struct{})
	canceled := false
	go func() {
		<-started
		cancel()
	}()
	err := RunWithContextCancel(ctx, func() {
		canceled = true
		close(stop)
	}, func() error {
		close(started)
		<-stop
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, canceled)
}
