package main

import (
	"fmt"
	"testing"

	"github.com/fenilsonani/list-server/internal/master"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: held by pid 42", master.ErrLockFailure), 2},
		{fmt.Errorf("%w: must run as list", master.ErrPrivilege), 3},
		{fmt.Errorf("some other failure"), 1},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
