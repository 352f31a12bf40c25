package fault

import (
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w: room admin", ErrAuthorizationDenied), "authorization_denied"},
		{fmt.Errorf("join: %w", fmt.Errorf("%w: room x", ErrNotFound)), "not_found"},
		{fmt.Errorf("%w: user 3 holds 5 channels", ErrCapacityExceeded), "capacity_exceeded"},
		{fmt.Errorf("plain"), ""},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Fatalf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
