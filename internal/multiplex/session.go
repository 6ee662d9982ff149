package multiplex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ConnState is the lifecycle state of the physical connection as seen by a Session
type ConnState uint32

const (
	StateSetup ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateSetup:
		return "setup"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Config is the per-gateway configuration shared by every Session it makes
type Config struct {
	// Applications maps each stream name to the sub-application serving it. The set of
	// names is fixed once the Demultiplexer is made.
	Applications map[string]Application

	// CloseTimeout bounds both the wait for sub-applications after a disconnect and the
	// wait for cancelled tasks during teardown
	CloseTimeout time.Duration

	LingerPolicy LingerPolicy

	// InboundRate and OutboundRate limit payload bytes per second of each connection. <= 0 is unlimited
	InboundRate  int64
	OutboundRate int64
}

// Demultiplexer runs many sub-applications over one physical connection, each on its own
// named stream. Inbound frames are JSON objects {"stream": name, "payload": ...}.
type Demultiplexer struct {
	config Config
}

func NewDemultiplexer(config Config) (*Demultiplexer, error) {
	if len(config.Applications) == 0 {
		return nil, errors.New("a demultiplexer needs at least one application")
	}
	apps := make(map[string]Application, len(config.Applications))
	for name, app := range config.Applications {
		if name == "" {
			return nil, errors.New("stream name cannot be empty")
		}
		if app == nil {
			return nil, fmt.Errorf("application for stream %v is nil", name)
		}
		apps[name] = app
	}
	config.Applications = apps
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = defaultCloseTimeout
	}
	return &Demultiplexer{config: config}, nil
}

// StreamNames returns the registered stream names, sorted
func (d *Demultiplexer) StreamNames() []string {
	names := make([]string, 0, len(d.config.Applications))
	for name := range d.config.Applications {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Demultiplexer) MakeSession() *Session {
	return &Session{
		Config: d.config,
		valve:  MakeValve(d.config.InboundRate, d.config.OutboundRate),
	}
}

// Serve runs a fresh Session over conn until it finishes
func (d *Demultiplexer) Serve(ctx context.Context, scope *Scope, conn Conn) error {
	sesh := d.MakeSession()
	if err := sesh.Start(ctx, scope, conn); err != nil {
		return err
	}
	return sesh.Run()
}

// Application exposes the Demultiplexer as a sub-application, so that it can run behind
// another gateway that hands it a receive/send pair instead of a Conn
func (d *Demultiplexer) Application() Application {
	return func(ctx context.Context, scope *Scope, receive ReceiveFunc, send SendFunc) error {
		return d.Serve(ctx, scope, ConnOf(receive, send))
	}
}

// A Session is one physical connection being demultiplexed. It owns one slot and one worker
// per registered stream, plus the receive loop reading from the connection.
type Session struct {
	Config

	conn  Conn
	scope *Scope
	valve *Valve

	// atomic ConnState
	state   uint32
	started uint32

	// membership is fixed in Start and read without locking afterwards
	slots map[string]*slot
	sv    *Supervisor

	acceptingM     sync.Mutex
	acceptingCount int

	acceptOnce sync.Once
	acceptErr  error
	closeOnce  sync.Once
	closeErr   error
}

func (sesh *Session) State() ConnState { return ConnState(atomic.LoadUint32(&sesh.state)) }
func (sesh *Session) Scope() *Scope    { return sesh.scope }
func (sesh *Session) Valve() *Valve    { return sesh.valve }

func (sesh *Session) logger() *log.Entry {
	var id string
	if sesh.scope != nil {
		id = sesh.scope.ID
	}
	return log.WithField("connID", id)
}

// Start builds the slots, starts one worker per registered application and the receive loop.
// A nil scope gets a fresh one.
func (sesh *Session) Start(ctx context.Context, scope *Scope, conn Conn) error {
	if !atomic.CompareAndSwapUint32(&sesh.started, 0, 1) {
		return errRepeatSessionStart
	}
	if scope == nil {
		scope = NewScope("", "", nil)
	}
	sesh.scope = scope
	sesh.conn = conn
	sesh.slots = make(map[string]*slot, len(sesh.Applications))
	for name := range sesh.Applications {
		sesh.slots[name] = makeSlot(name)
	}

	sesh.sv = NewSupervisor(len(sesh.slots), sesh.CloseTimeout, sesh.LingerPolicy)
	for name, app := range sesh.Applications {
		s := sesh.slots[name]
		app := app
		sesh.sv.GoWorker(ctx, "stream "+name, func(ctx context.Context) error {
			return app(ctx, scope, s.inbound.Get, sesh.sendFuncOf(s.name))
		})
	}
	// the receive loop may disconnect straight away, which needs the session to be open
	atomic.StoreUint32(&sesh.state, uint32(StateOpen))
	sesh.sv.GoLoop(ctx, sesh.receiveLoop)
	sesh.logger().Debugf("session started with %v streams", len(sesh.slots))
	return nil
}

// Run blocks until either a worker or the receive loop returns, then tears every other task
// down. It returns the errors of all tasks that didn't end because of the teardown.
func (sesh *Session) Run() error {
	if atomic.LoadUint32(&sesh.started) == 0 {
		return errSessionNotStarted
	}
	err := sesh.sv.Wait()
	atomic.StoreUint32(&sesh.state, uint32(StateClosed))
	rx, tx := sesh.valve.Nullify()
	sesh.logger().WithFields(log.Fields{
		"rx": rx,
		"tx": tx,
	}).Debug("session closed")
	return err
}

func (sesh *Session) receiveLoop(ctx context.Context) error {
	for {
		f, err := sesh.conn.Receive(ctx)
		if err != nil {
			return err
		}
		sesh.valve.rxWait(len(f.Payload))
		sesh.valve.AddRx(int64(len(f.Payload)))

		if f.Kind == KindDisconnect {
			sesh.disconnect(ctx, f)
			return nil
		}
		if err := sesh.route(f); err != nil {
			return err
		}
	}
}

// Disconnect runs the caller initiated disconnect sequence: every stream is told about the
// disconnect and given up to CloseTimeout to return. It is a no-op once the session is closed.
func (sesh *Session) Disconnect(ctx context.Context, code int) {
	sesh.disconnect(ctx, &Frame{Kind: KindDisconnect, Code: code})
}

func (sesh *Session) disconnect(ctx context.Context, f *Frame) {
	if atomic.LoadUint32(&sesh.started) == 0 {
		return
	}
	if !atomic.CompareAndSwapUint32(&sesh.state, uint32(StateOpen), uint32(StateClosing)) {
		if sesh.State() == StateClosed {
			return
		}
	}
	sesh.acceptingM.Lock()
	for _, s := range sesh.slots {
		s.state = streamClosed
	}
	sesh.acceptingCount = 0
	sesh.acceptingM.Unlock()

	sesh.broadcast(f)
	if err := sesh.sv.AwaitWorkers(ctx); errors.Is(err, ErrCloseTimeout) {
		sesh.logger().Debug("not every stream returned after disconnect")
	}
}

func (sesh *Session) sendFuncOf(name string) SendFunc {
	return func(ctx context.Context, f *Frame) error {
		return sesh.dispatch(ctx, f, name)
	}
}

// dispatch handles a frame sent by the sub-application of the named stream. Frames of kinds
// without a handler are passed on to the physical connection unchanged.
func (sesh *Session) dispatch(ctx context.Context, f *Frame, name string) error {
	s, ok := sesh.slots[name]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownStream, name)
	}
	switch f.Kind {
	case KindAccept:
		return sesh.onAccept(ctx, s)
	case KindClose:
		return sesh.onClose(ctx, s, f)
	case KindSend:
		return sesh.onSend(ctx, s, f)
	case KindConnect, KindReceive, KindDisconnect:
		return sesh.forward(ctx, f)
	default:
		return sesh.forward(ctx, f)
	}
}

func (sesh *Session) forward(ctx context.Context, f *Frame) error {
	sesh.valve.txWait(len(f.Payload))
	if err := sesh.conn.Send(ctx, f); err != nil {
		return err
	}
	sesh.valve.AddTx(int64(len(f.Payload)))
	return nil
}

// onAccept lets the stream receive frames. The physical connection is accepted once, on
// the first stream to accept.
func (sesh *Session) onAccept(ctx context.Context, s *slot) error {
	sesh.acceptingM.Lock()
	switch s.state {
	case streamUnmapped:
		s.state = streamAccepting
		sesh.acceptingCount++
	case streamClosed:
		sesh.acceptingM.Unlock()
		sesh.logger().WithField("stream", s.name).Debug("closed stream tried to accept again")
		return nil
	}
	sesh.acceptingM.Unlock()

	sesh.acceptOnce.Do(func() {
		sesh.acceptErr = sesh.forward(ctx, &Frame{Kind: KindAccept})
		sesh.logger().WithField("stream", s.name).Debug("connection accepted")
	})
	return sesh.acceptErr
}

// onClose stops the stream from receiving frames. When no stream is left accepting, the
// physical connection is closed with the frame's code, unless a disconnect is already under way.
func (sesh *Session) onClose(ctx context.Context, s *slot, f *Frame) error {
	sesh.acceptingM.Lock()
	if s.state == streamAccepting {
		sesh.acceptingCount--
	}
	s.state = streamClosed
	remaining := sesh.acceptingCount
	sesh.acceptingM.Unlock()

	if sesh.State() == StateClosing {
		return nil
	}
	if remaining > 0 {
		return nil
	}
	sesh.closeOnce.Do(func() {
		code := f.closeCode()
		sesh.closeErr = sesh.forward(ctx, &Frame{Kind: KindClose, Code: code})
		sesh.logger().WithField("stream", s.name).Debugf("no stream left accepting, closed with %v", code)
	})
	return sesh.closeErr
}

func (sesh *Session) onSend(ctx context.Context, s *slot, f *Frame) error {
	data, err := encodeEnvelope(s.name, f.Payload)
	if err != nil {
		return err
	}
	return sesh.forward(ctx, &Frame{Kind: KindSend, Payload: data})
}

func (sesh *Session) isAccepting(s *slot) bool {
	sesh.acceptingM.Lock()
	defer sesh.acceptingM.Unlock()
	return s.state == streamAccepting
}

// Accepting returns the names of the streams currently accepting frames, sorted
func (sesh *Session) Accepting() []string {
	sesh.acceptingM.Lock()
	defer sesh.acceptingM.Unlock()
	var names []string
	for name, s := range sesh.slots {
		if s.state == streamAccepting {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Lingering returns the number of tasks abandoned during teardown
func (sesh *Session) Lingering() int {
	if sesh.sv == nil {
		return 0
	}
	return sesh.sv.Lingering()
}
