package util

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssertf(t *testing.T) {
	require.NotPanics(t, func() {
		Assertf(true, "never evaluated %d", func() any { panic("lazy arg evaluated") })
	})
	require.Panics(t, func() {
		Assertf(false, "value: %d", func() any { return 42 })
	})
}

func TestCatchPanicOrError(t *testing.T) {
	require.NoError(t, CatchPanicOrError(func() error { return nil }))

	err := CatchPanicOrError(func() error { return errors.New("plain error") })
	require.EqualError(t, err, "plain error")

	err = CatchPanicOrError(func() error { panic("boom") })
	require.EqualError(t, err, "boom")

	err = CatchPanicOrError(func() error { panic(errors.New("typed boom")) })
	require.EqualError(t, err, "typed boom")
}

func TestSortKeys(t *testing.T) {
	m := map[string]int{"b": 2, "a": 1, "c": 3}
	keys := SortKeys(m, func(k1, k2 string) bool { return k1 < k2 })
	require.EqualValues(t, []string{"a", "b", "c"}, keys)
}
