package looper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
	"github.com/wehubfusion/Helios/pkg/params"
)

func TestRepeatPasses(t *testing.T) {
	ctx := context.Background()
	r := NewRepeat(2, 0, nil)
	require.NoError(t, r.BeginOfJob(ctx, nil))

	for pass := 1; pass <= 2; pass++ {
		require.NoError(t, r.StartingNewLoop(ctx))
		for i := 0; i < 3; i++ {
			st, err := r.DuringLoop(ctx, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, Continue, st)
		}
		st, err := r.EndOfLoop(ctx, nil)
		require.NoError(t, err)
		if pass == 1 {
			assert.Equal(t, Continue, st)
		} else {
			assert.Equal(t, Stop, st)
		}
	}
	n, per := r.Passes()
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{3, 3}, per)
}

func TestRepeatEventsPerPass(t *testing.T) {
	r := NewRepeat(1, 2, nil)
	st, _ := r.DuringLoop(context.Background(), nil, nil)
	assert.Equal(t, Continue, st)
	st, _ = r.DuringLoop(context.Background(), nil, nil)
	assert.Equal(t, Stop, st)
}

func TestFromParameterSet(t *testing.T) {
	l, err := FromParameterSet(params.Empty(), nil)
	require.NoError(t, err)
	assert.Nil(t, l)

	l, err = FromParameterSet(params.MustNew(`{"type": "Repeat", "times": 3}`), nil)
	require.NoError(t, err)
	require.IsType(t, &Repeat{}, l)
	assert.Equal(t, 3, l.(*Repeat).times)

	_, err = FromParameterSet(params.MustNew(`{"type": "Repeat", "times": 0}`), nil)
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.Configuration))
	_, err = FromParameterSet(params.MustNew(`{"type": "Other"}`), nil)
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.Configuration))
}
