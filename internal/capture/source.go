package capture

import (
	"context"
	"errors"
)

// Device acquisition failures the state machine branches on.
var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("microphone device unavailable")
)

// Source abstracts the microphone device. Start acquires the device and
// begins delivering fixed-duration chunks in capture order; the channel is
// closed when the device stops. Stop is idempotent and always releases the
// device handle.
type Source interface {
	Start(ctx context.Context) (<-chan []byte, error)
	Stop() error
}
