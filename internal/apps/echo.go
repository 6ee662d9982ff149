package apps

import (
	"context"

	"github.com/hydrascope/dcrfgate/internal/multiplex"
)

// Echo sends every payload it receives straight back on its stream
func Echo(ctx context.Context, scope *multiplex.Scope, receive multiplex.ReceiveFunc, send multiplex.SendFunc) error {
	return serve(ctx, receive, send, func(ctx context.Context, payload []byte) error {
		return send(ctx, &multiplex.Frame{Kind: multiplex.KindSend, Payload: payload})
	})
}
