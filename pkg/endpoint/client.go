package endpoint

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/braddevans/PorkLib/pkg/core/future"
	"github.com/braddevans/PorkLib/pkg/core/loop"
	"github.com/braddevans/PorkLib/pkg/session"
	"github.com/braddevans/PorkLib/pkg/transport"
)

// Client owns the single session of an outbound connection.
type Client struct {
	opts    Options
	sess    *session.Session
	group   *loop.Group
	closedF *future.Future
}

// Dial connects to addr and starts the session. Connect errors are returned
// as is.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	link, err := opts.Engine.Connect(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: connect %s: %w", opts.Name, addr, err)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	group := loop.NewGroup(workers, opts.Logger)
	logger := opts.Logger.With(zap.String("endpoint", opts.Name), zap.String("addr", addr))
	metrics := opts.Metrics.Labels(opts.Name, opts.Engine.Kind().String())
	sess, err := session.New(opts.sessionConfig(link, session.SideClient, group, metrics, logger))
	if err != nil {
		_ = link.Close()
		_ = group.Close()
		return nil, err
	}
	c := &Client{opts: opts, sess: sess, group: group, closedF: future.New()}
	if err := sess.Start(); err != nil {
		_ = group.Close()
		return nil, err
	}
	go c.release()
	logger.Debug("connected", zap.String("session", sess.ID()))
	return c, nil
}

// release stops the worker group once the session is closed, whoever
// closed it.
func (c *Client) release() {
	<-c.sess.Done()
	_ = c.group.Close()
	c.closedF.Complete(nil)
}

func (c *Client) Name() string              { return c.opts.Name }
func (c *Client) Addr() net.Addr            { return c.sess.LocalAddr() }
func (c *Client) Session() *session.Session { return c.sess }

func (c *Client) Send(msg any, rel transport.Reliability) *future.Future {
	return c.sess.Send(msg, rel)
}

func (c *Client) SendOn(channel uint16, msg any, rel transport.Reliability) *future.Future {
	return c.sess.SendOn(channel, msg, rel)
}

// CloseAsync closes the session; the future completes once the worker group
// stopped too.
func (c *Client) CloseAsync() *future.Future {
	c.sess.CloseAsync()
	return c.closedF
}

func (c *Client) Close() error { return c.CloseAsync().Wait(context.Background()) }
