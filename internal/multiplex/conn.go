package multiplex

import "context"

// Conn is a physical connection that has already been split into discrete frames.
// Receive blocks until the next frame arrives; a disconnect is reported as a KindDisconnect
// frame. Send must be safe for concurrent use.
type Conn interface {
	Receive(ctx context.Context) (*Frame, error)
	Send(ctx context.Context, f *Frame) error
}

type ReceiveFunc func(ctx context.Context) (*Frame, error)
type SendFunc func(ctx context.Context, f *Frame) error

// Application is a sub-application. It runs until it returns or ctx is cancelled. Its first
// input is a connect frame, after which it is expected to send either an accept or a close.
type Application func(ctx context.Context, scope *Scope, receive ReceiveFunc, send SendFunc) error

// funcConn turns a receive/send pair handed to an Application back into a Conn, so that
// gateways can be stacked
type funcConn struct {
	receive ReceiveFunc
	send    SendFunc
}

func (c funcConn) Receive(ctx context.Context) (*Frame, error) { return c.receive(ctx) }
func (c funcConn) Send(ctx context.Context, f *Frame) error    { return c.send(ctx, f) }

// ConnOf wraps a receive/send pair as a Conn
func ConnOf(receive ReceiveFunc, send SendFunc) Conn {
	return funcConn{receive: receive, send: send}
}
