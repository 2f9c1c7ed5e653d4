package safe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRun(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, Run(ctx, func(context.Context) error { return nil }))

	boom := errors.New("boom")
	assert.ErrorIs(t, Run(ctx, func(context.Context) error { return boom }), boom)

	err := Run(ctx, func(context.Context) error { panic("nil map") })
	assert.EqualError(t, err, "panic: nil map")
}

func TestGo_RecoversPanic(t *testing.T) {
	done := make(chan struct{})
	Go(func() {
		defer close(done)
		panic("worker died")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not finish")
	}
}
