//go:build windows

package engine

import (
	"github.com/braddevans/PorkLib/pkg/transport"
	"github.com/braddevans/PorkLib/pkg/transport/winpipe"
)

func newWinPipeTransport() (transport.StreamTransport, error) { return winpipe.New(), nil }
