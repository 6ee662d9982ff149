package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/hydrascope/dcrfgate/internal/multiplex"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	inboundBacklog = 64
	// control frame payloads are limited to 125 bytes, 2 of which are the code
	maxCloseReason = 123
)

var ErrConnClosed = errors.New("websocket connection is closed")
var errRepeatAccept = errors.New("websocket connection has already been accepted")

// WebSocketConn implements multiplex.Conn over an HTTP request that asks for a websocket
// upgrade. Like an ASGI server it reports a connect frame first and only upgrades once the
// application sends an accept. A close sent before that refuses the upgrade with 403.
type WebSocketConn struct {
	w        http.ResponseWriter
	r        *http.Request
	upgrader *websocket.Upgrader

	// writeM guards every field below it and is held for every write to the connection
	writeM    sync.Mutex
	conn      *websocket.Conn
	refused   bool
	closeSent bool

	connectReported uint32
	inbound         chan *multiplex.Frame

	dieOnce sync.Once
	die     chan struct{}
}

func NewWebSocketConn(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader) *WebSocketConn {
	return &WebSocketConn{
		w:        w,
		r:        r,
		upgrader: upgrader,
		inbound:  make(chan *multiplex.Frame, inboundBacklog),
		die:      make(chan struct{}),
	}
}

func (ws *WebSocketConn) Receive(ctx context.Context) (*multiplex.Frame, error) {
	if atomic.CompareAndSwapUint32(&ws.connectReported, 0, 1) {
		return &multiplex.Frame{Kind: multiplex.KindConnect}, nil
	}
	select {
	case <-ws.die:
		return nil, ErrConnClosed
	default:
	}
	select {
	case f := <-ws.inbound:
		return f, nil
	case <-ws.die:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ws *WebSocketConn) Send(ctx context.Context, f *multiplex.Frame) error {
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	switch f.Kind {
	case multiplex.KindAccept:
		if ws.conn != nil {
			return errRepeatAccept
		}
		if ws.refused {
			return ErrConnClosed
		}
		c, err := ws.upgrader.Upgrade(ws.w, ws.r, nil)
		if err != nil {
			// Upgrade has already answered the request with an HTTP error
			ws.refuse()
			return fmt.Errorf("failed to upgrade connection to ws: %w", err)
		}
		ws.conn = c
		go ws.readPump(c)
		return nil
	case multiplex.KindSend:
		if ws.conn == nil || ws.closeSent {
			return ErrConnClosed
		}
		ws.setWriteDeadline(ctx)
		return ws.conn.WriteMessage(websocket.TextMessage, f.Payload)
	case multiplex.KindClose:
		if ws.conn == nil {
			if !ws.refused {
				http.Error(ws.w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				ws.refuse()
			}
			return nil
		}
		if ws.closeSent {
			return nil
		}
		ws.closeSent = true
		code := f.Code
		if code == 0 {
			code = multiplex.CloseNormal
		}
		msg := websocket.FormatCloseMessage(code, "")
		return ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	default:
		return fmt.Errorf("a websocket can't send a %v frame", f.Kind)
	}
}

// must be holding writeM
func (ws *WebSocketConn) refuse() {
	ws.refused = true
	select {
	case ws.inbound <- &multiplex.Frame{Kind: multiplex.KindDisconnect, Code: websocket.CloseAbnormalClosure}:
	default:
	}
}

// must be holding writeM
func (ws *WebSocketConn) setWriteDeadline(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	_ = ws.conn.SetWriteDeadline(deadline)
}

// readPump turns websocket messages into receive frames until the connection breaks, which
// is reported as a single disconnect frame
func (ws *WebSocketConn) readPump(c *websocket.Conn) {
	for {
		_, data, err := c.ReadMessage()
		var f *multiplex.Frame
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			log.WithField("remoteAddr", c.RemoteAddr()).Debugf("websocket closed with %v: %v", code, err)
			f = &multiplex.Frame{Kind: multiplex.KindDisconnect, Code: code}
		} else {
			f = &multiplex.Frame{Kind: multiplex.KindReceive, Payload: data}
		}
		select {
		case ws.inbound <- f:
		case <-ws.die:
			return
		}
		if err != nil {
			return
		}
	}
}

// Accepted reports whether the connection has been upgraded
func (ws *WebSocketConn) Accepted() bool {
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	return ws.conn != nil
}

// Close releases the connection. A request that was never accepted or refused is refused.
func (ws *WebSocketConn) Close() error {
	ws.dieOnce.Do(func() { close(ws.die) })
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	if ws.conn == nil {
		if !ws.refused {
			http.Error(ws.w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			ws.refused = true
		}
		return nil
	}
	return ws.conn.Close()
}

// truncateReason cuts reason to fit a close frame without splitting a character
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

// CloseWithCode closes an accepted connection with the given code and reason
func (ws *WebSocketConn) CloseWithCode(code int, reason string) error {
	reason = truncateReason(reason)
	ws.writeM.Lock()
	if ws.conn != nil && !ws.closeSent {
		ws.closeSent = true
		msg := websocket.FormatCloseMessage(code, reason)
		_ = ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	ws.writeM.Unlock()
	return ws.Close()
}
