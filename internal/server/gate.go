package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hydrascope/dcrfgate/internal/common"
	"github.com/hydrascope/dcrfgate/internal/multiplex"
	log "github.com/sirupsen/logrus"
)

// SetCredentialStream is the stream on which a client hands its access token to the gate
const SetCredentialStream = "set_jwt_access_token"

type GateConfig struct {
	Validator CredentialValidator
	Resolver  PrincipalResolver

	// CacheSize bounds the number of resolved principals kept across connections
	CacheSize  int
	WorldState common.WorldState

	CloseTimeout time.Duration
	LingerPolicy multiplex.LingerPolicy
}

// Gate runs a single upstream application over a connection and only lets data frames
// through once the connection has presented a valid credential. The principal of that
// credential is set on the connection's scope before the frame is forwarded.
type Gate struct {
	GateConfig
	upstream multiplex.Application
	cache    *principalCache
}

func NewGate(upstream multiplex.Application, config GateConfig) *Gate {
	if config.WorldState.Now == nil {
		config.WorldState = common.RealWorldState
	}
	return &Gate{
		GateConfig: config,
		upstream:   upstream,
		cache:      newPrincipalCache(config.CacheSize, config.WorldState),
	}
}

// Application exposes the Gate as a sub-application
func (g *Gate) Application() multiplex.Application {
	return func(ctx context.Context, scope *multiplex.Scope, receive multiplex.ReceiveFunc, send multiplex.SendFunc) error {
		return g.Serve(ctx, scope, multiplex.ConnOf(receive, send))
	}
}

// Serve runs the upstream application behind the gate until either it or the receive loop
// returns, then tears the other one down
func (g *Gate) Serve(ctx context.Context, scope *multiplex.Scope, conn multiplex.Conn) error {
	if scope == nil {
		scope = multiplex.NewScope("", "", nil)
	}
	gs := &gateSession{
		Gate:    g,
		conn:    conn,
		scope:   scope,
		inbound: multiplex.NewQueue(),
		sv:      multiplex.NewSupervisor(1, g.CloseTimeout, g.LingerPolicy),
	}
	gs.sv.GoWorker(ctx, "gated application", func(ctx context.Context) error {
		return g.upstream(ctx, scope, gs.inbound.Get, gs.sendDownstream)
	})
	gs.sv.GoLoop(ctx, gs.receiveLoop)
	return gs.sv.Wait()
}

type gateSession struct {
	*Gate
	conn    multiplex.Conn
	scope   *multiplex.Scope
	inbound *multiplex.Queue
	sv      *multiplex.Supervisor

	closing uint32
	// set once the connection has been closed for a bad credential
	refused uint32
}

func (gs *gateSession) logger() *log.Entry {
	return log.WithField("connID", gs.scope.ID)
}

func (gs *gateSession) receiveLoop(ctx context.Context) error {
	for {
		f, err := gs.conn.Receive(ctx)
		if err != nil {
			return err
		}
		switch f.Kind {
		case multiplex.KindReceive:
			if err := gs.onReceive(ctx, f); err != nil {
				return err
			}
		case multiplex.KindDisconnect:
			atomic.StoreUint32(&gs.closing, 1)
			gs.inbound.Put(f)
			if err := gs.sv.AwaitWorkers(ctx); errors.Is(err, multiplex.ErrCloseTimeout) {
				gs.logger().Debug("gated application didn't return after disconnect")
			}
			return nil
		default:
			gs.inbound.Put(f)
		}
	}
}

type credentialPayload struct {
	Data *struct {
		Access *string `json:"access"`
	} `json:"data"`
}

func accessTokenOf(payload json.RawMessage) (string, error) {
	var cp credentialPayload
	if err := json.Unmarshal(payload, &cp); err != nil {
		return "", fmt.Errorf("%w: bad %v payload: %v", ErrCredentialInvalid, SetCredentialStream, err)
	}
	if cp.Data == nil || cp.Data.Access == nil {
		return "", fmt.Errorf("%w: %v payload has no data.access", ErrCredentialInvalid, SetCredentialStream)
	}
	return *cp.Data.Access, nil
}

func (gs *gateSession) onReceive(ctx context.Context, f *multiplex.Frame) error {
	stream, payload, isEnvelope := multiplex.PeekStream(f.Payload)
	if isEnvelope && stream == SetCredentialStream {
		token, err := accessTokenOf(payload)
		if err != nil {
			return err
		}
		gs.scope.SetCredential(token)
		gs.logger().WithField("credential", common.Fingerprint(token)).Info("access token set")
		return nil
	}

	if atomic.LoadUint32(&gs.refused) == 1 {
		gs.logger().WithField("stream", stream).Trace("dropped frame on refused connection")
		return nil
	}

	credential := gs.scope.Credential()
	claims, err := gs.Validator.Validate(credential)
	if err != nil {
		return gs.refuse(ctx, stream, credential, err)
	}

	principal, err := gs.principalOf(ctx, credential, claims)
	if err != nil {
		return fmt.Errorf("failed to resolve principal of user %v: %w", claims.UserID, err)
	}
	gs.scope.SetPrincipal(principal)
	gs.inbound.Put(f)
	return nil
}

// refuse closes the connection once. Every data frame after that is dropped.
func (gs *gateSession) refuse(ctx context.Context, stream, credential string, reason error) error {
	if !atomic.CompareAndSwapUint32(&gs.refused, 0, 1) {
		return nil
	}
	gs.logger().WithFields(log.Fields{
		"stream":     stream,
		"credential": common.Fingerprint(credential),
	}).Warnf("closing connection: %v", reason)
	if atomic.LoadUint32(&gs.closing) == 1 {
		return nil
	}
	return gs.conn.Send(ctx, &multiplex.Frame{Kind: multiplex.KindClose, Code: multiplex.CloseNormal})
}

func (gs *gateSession) principalOf(ctx context.Context, credential string, claims *Claims) (*multiplex.Principal, error) {
	if p, ok := gs.cache.get(credential); ok {
		return p, nil
	}
	p, err := gs.Resolver.ResolvePrincipal(ctx, claims)
	if err != nil {
		return nil, err
	}
	expiresAt := gs.WorldState.Now().Add(maxPrincipalAge)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	gs.cache.put(credential, p, expiresAt)
	return p, nil
}

// sendDownstream handles a frame sent by the upstream application
func (gs *gateSession) sendDownstream(ctx context.Context, f *multiplex.Frame) error {
	switch f.Kind {
	case multiplex.KindAccept:
		return gs.conn.Send(ctx, &multiplex.Frame{Kind: multiplex.KindAccept})
	case multiplex.KindClose:
		if atomic.LoadUint32(&gs.closing) == 1 {
			return nil
		}
		return gs.conn.Send(ctx, f)
	default:
		return gs.conn.Send(ctx, f)
	}
}
