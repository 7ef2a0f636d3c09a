package reqcount

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounterIncrementDecrement(t *testing.T) {
	var c Counter
	require.EqualValues(t, 1, c.Increment())
	require.EqualValues(t, 2, c.Increment())
	require.EqualValues(t, 2, c.Current())
	require.EqualValues(t, 1, c.Decrement())
	require.EqualValues(t, 0, c.Decrement())
}

func TestCounterDecrementNeverGoesNegative(t *testing.T) {
	var c Counter
	require.EqualValues(t, 0, c.Decrement())
	require.EqualValues(t, 0, c.Current())
}
