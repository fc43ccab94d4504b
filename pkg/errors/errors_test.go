package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name:     "message only",
			err:      NewError(Configuration, "bad fileMode", nil),
			contains: []string{"[Configuration] bad fileMode"},
		},
		{
			name:     "wrapped cause",
			err:      NewError(SourceRead, "read failed", fmt.Errorf("eof")),
			contains: []string{"[SourceRead] read failed: eof"},
		},
		{
			name: "context and additional info",
			err: NewError(Module, "boom", nil).
				AddContext("Calling beginJob for the source").
				AddAdditionalInfo("lumi cleanup failed"),
			contains: []string{"while Calling beginJob for the source", "additional info: lumi cleanup failed"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			for _, want := range tt.contains {
				assert.Contains(t, tt.err.Error(), want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	inner := NewError(LogicError, "no run", nil)
	wrapped := fmt.Errorf("outer: %w", inner)

	assert.Equal(t, LogicError, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, LogicError))
	assert.Equal(t, Unknown, KindOf(fmt.Errorf("plain")))
	assert.False(t, IsKind(nil, Unknown))
}

func TestWrapKeepsFrameworkErrors(t *testing.T) {
	inner := NewError(BadState, "error state", nil)
	assert.Same(t, inner, Wrap(inner, Unknown, "ignored"))
	assert.Nil(t, Wrap(nil, Unknown, "x"))

	plain := Wrap(fmt.Errorf("x"), SourceRead, "reading")
	assert.Equal(t, SourceRead, plain.Code)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 7002, ExitCode(Newf(Configuration, "x")))
	assert.Equal(t, 8000, ExitCode(fmt.Errorf("x")))
}

func TestCollector(t *testing.T) {
	t.Run("no failures", func(t *testing.T) {
		c := NewCollector("header")
		c.Call(func() error { return nil })
		assert.False(t, c.HasThrown())
		assert.NoError(t, c.Rethrow())
	})

	t.Run("single failure is returned unchanged", func(t *testing.T) {
		c := NewCollector("header")
		want := Newf(Module, "endJob failed")
		c.Call(func() error { return want })
		c.Call(func() error { return nil })
		assert.Same(t, want, c.Rethrow())
	})

	t.Run("all steps run and failures merge", func(t *testing.T) {
		c := NewCollector("Multiple errors were thrown while executing endJob.")
		ran := 0
		c.Call(func() error { ran++; return Newf(Module, "first") })
		c.Call(func() error { ran++; panic("second") })
		c.Call(func() error { ran++; return fmt.Errorf("third") })

		require.Equal(t, 3, ran)
		require.Len(t, c.Errors(), 3)
		err := c.Rethrow()
		require.Error(t, err)
		assert.Equal(t, Module, KindOf(err))
		assert.Contains(t, err.Error(), "first")
		assert.Contains(t, err.Error(), "panic: second")
		assert.Contains(t, err.Error(), "third")
	})
}

func TestPrinted(t *testing.T) {
	e := NewError(Unknown, "panic: boom", nil)
	assert.False(t, Printed(e))

	e.AlreadyPrinted = true
	assert.True(t, Printed(e))
	assert.True(t, Printed(fmt.Errorf("outer: %w", e)))
	assert.False(t, Printed(fmt.Errorf("plain")))
	assert.False(t, Printed(nil))
}
