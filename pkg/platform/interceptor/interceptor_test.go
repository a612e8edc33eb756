package interceptor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChain_OrderIsOutermostFirst(t *testing.T) {
	var order []string

	mk := func(name string) Interceptor {
		return func(ctx context.Context, call Call, next Next) error {
			order = append(order, name+":pre")
			err := next(ctx)
			order = append(order, name+":post")
			return err
		}
	}

	chain := Chain(mk("a"), mk("b"))
	err := Run(context.Background(), chain, Call{Action: "read"}, func(ctx context.Context) error {
		order = append(order, "op")
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a:pre", "b:pre", "op", "b:post", "a:post"}, order)
}

func TestChain_InterceptorCanVeto(t *testing.T) {
	veto := errors.New("access denied")
	deny := func(ctx context.Context, call Call, next Next) error {
		return veto
	}

	ran := false
	err := Run(context.Background(), Chain(deny), Call{}, func(ctx context.Context) error {
		ran = true
		return nil
	})

	assert.ErrorIs(t, err, veto)
	assert.False(t, ran, "vetoed operation must not run")
}

func TestRun_NilChainRunsOperation(t *testing.T) {
	ran := false
	err := Run(context.Background(), nil, Call{}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestChain_OperationErrorPropagates(t *testing.T) {
	opErr := errors.New("boom")
	var sawErr error
	observe := func(ctx context.Context, call Call, next Next) error {
		sawErr = next(ctx)
		return sawErr
	}

	err := Run(context.Background(), Chain(observe), Call{}, func(ctx context.Context) error {
		return opErr
	})

	assert.ErrorIs(t, err, opErr)
	assert.ErrorIs(t, sawErr, opErr)
}
