package control

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/ran-scheduler/internal/runtime"
	"github.com/signalsfoundry/ran-scheduler/internal/scheduler/ue"
	"github.com/signalsfoundry/ran-scheduler/kb"
)

func TestToStatusError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"unknown ue", fmt.Errorf("%w: ue 4", kb.ErrNotFound), codes.NotFound},
		{"unknown cell", fmt.Errorf("%w: 3", runtime.ErrUnknownCell), codes.NotFound},
		{"duplicate", fmt.Errorf("%w: rnti", kb.ErrExists), codes.AlreadyExists},
		{"bad request", fmt.Errorf("%w: cqi 17", ErrInvalidArgument), codes.InvalidArgument},
		{"queue full", fmt.Errorf("cell 0: %w", ue.ErrQueueFull), codes.ResourceExhausted},
		{"stopped", runtime.ErrNotRunning, codes.Unavailable},
		{"other", errors.New("boom"), codes.Internal},
		{"passthrough", status.Error(codes.Canceled, "gone"), codes.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := status.Code(ToStatusError(tt.err)); got != tt.want {
				t.Fatalf("code = %v, want %v", got, tt.want)
			}
		})
	}
	if ToStatusError(nil) != nil {
		t.Fatalf("ToStatusError(nil) != nil")
	}
}
