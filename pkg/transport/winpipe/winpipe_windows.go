//go:build windows

package winpipe

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"

	"github.com/braddevans/PorkLib/pkg/transport"
)

// Transport is a stream backend over Windows named pipes.
type Transport struct {
	// Config is passed to winio.ListenPipe; nil uses winio defaults.
	Config *winio.PipeConfig
}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindWinPipe }

func (t *Transport) Listen(ctx context.Context, pipeName string) (net.Listener, error) {
	l, err := winio.ListenPipe(pipeName, t.Config)
	if err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, func() { _ = l.Close() })
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, pipeName string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, pipeName)
}
