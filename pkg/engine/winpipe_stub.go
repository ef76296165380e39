//go:build !windows

package engine

import (
	"fmt"

	"github.com/braddevans/PorkLib/pkg/transport"
)

func newWinPipeTransport() (transport.StreamTransport, error) {
	return nil, fmt.Errorf("engine: winpipe transport is not supported on this platform")
}
