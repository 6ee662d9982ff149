// Package apps holds the sub-applications the gateway can mount on a stream.
package apps

import (
	"context"
	"fmt"
	"sort"

	"github.com/hydrascope/dcrfgate/internal/multiplex"
)

var builtin = map[string]multiplex.Application{
	"echo":     Echo,
	"userdata": UserData,
}

// Lookup returns the built-in sub-application registered under name
func Lookup(name string) (multiplex.Application, error) {
	app, ok := builtin[name]
	if !ok {
		return nil, fmt.Errorf("no sub-application called %q", name)
	}
	return app, nil
}

// Names returns the names of every built-in sub-application, sorted
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// serve runs the usual consumer loop: accept on connect, hand every data frame to onReceive and
// return on disconnect
func serve(ctx context.Context, receive multiplex.ReceiveFunc, send multiplex.SendFunc, onReceive func(ctx context.Context, payload []byte) error) error {
	for {
		f, err := receive(ctx)
		if err != nil {
			return err
		}
		switch f.Kind {
		case multiplex.KindConnect:
			if err := send(ctx, &multiplex.Frame{Kind: multiplex.KindAccept}); err != nil {
				return err
			}
		case multiplex.KindReceive:
			if err := onReceive(ctx, f.Payload); err != nil {
				return err
			}
		case multiplex.KindDisconnect:
			return nil
		}
	}
}
