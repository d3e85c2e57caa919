package assignerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCodeMapsEachSentinel(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{ErrNotFound, 1},
		{fmt.Errorf("wrapped: %w", ErrNotFound), 1},
		{ErrInvalidArgument, 2},
		{ErrInvalidConfiguration, 3},
		{ErrStoreUnavailable, 4},
		{ErrConflict, 5},
		{errors.New("something unrelated"), 2},
	}
	for _, c := range cases {
		if got := ExitCode(c.err); got != c.want {
			t.Errorf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
