package control

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/intersection-simulator/internal/intersection"
)

func TestToStatusError(t *testing.T) {
	if ToStatusError(nil) != nil {
		t.Fatalf("nil error should stay nil")
	}

	cases := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("%w: cars", intersection.ErrInvalidConfig), codes.InvalidArgument},
		{intersection.ErrAlreadyRunning, codes.FailedPrecondition},
		{fmt.Errorf("%w: join", intersection.ErrStopTimeout), codes.DeadlineExceeded},
		{context.Canceled, codes.Canceled},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.Unavailable, "passthrough"), codes.Unavailable},
	}
	for _, tc := range cases {
		if got := status.Code(ToStatusError(tc.err)); got != tc.want {
			t.Fatalf("ToStatusError(%v) code = %v, want %v", tc.err, got, tc.want)
		}
	}
}
