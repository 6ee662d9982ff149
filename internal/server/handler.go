package server

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	gmux "github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hydrascope/dcrfgate/internal/common"
	"github.com/hydrascope/dcrfgate/internal/multiplex"
	"github.com/hydrascope/dcrfgate/internal/server/usermanager"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// origins are checked by the host filter
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve serves websocket connections, and the admin API if enabled, on l until it fails
func Serve(l net.Listener, sta *State) error {
	srv := &http.Server{
		Handler:           sta.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.Serve(l)
}

// Router routes websocket upgrades on the configured path to the gateway. The admin API, if
// enabled, is mounted under /admin/ behind the host filter and the admin token.
func (sta *State) Router() *gmux.Router {
	router := gmux.NewRouter()
	if sta.AdminAPI {
		api := usermanager.APIRouterOf(sta.Manager)
		sta.Panel.registerMux(api.Router)
		admin := router.PathPrefix("/admin").Subrouter()
		admin.Use(sta.guardAdmin)
		admin.PathPrefix("/").Handler(api)
	}
	router.HandleFunc(sta.Path, sta.serveWebSocket)
	return router
}

func (sta *State) guardAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := log.WithFields(log.Fields{
			"remoteAddr": r.RemoteAddr,
			"path":       r.URL.Path,
		})
		if !sta.HostFilter.Allowed(ClientIP(r.RemoteAddr), r.URL.Path) {
			logger.Warn("client is not allowed on the admin API")
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		if r.Method != http.MethodOptions && !sta.isAdmin(r) {
			logger.Warn("admin API request without a valid admin token")
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (sta *State) isAdmin(r *http.Request) bool {
	if sta.AdminToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	want := common.CredentialKey(sta.AdminToken)
	got := common.CredentialKey(token)
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

func (sta *State) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	scope := multiplex.NewScope(r.RemoteAddr, r.URL.Path, r.Header)
	logger := log.WithFields(log.Fields{
		"connID":     scope.ID,
		"remoteAddr": r.RemoteAddr,
		"path":       scope.Path,
	})

	ws := common.NewWebSocketConn(w, r, &upgrader)
	defer ws.Close()

	app := sta.application
	if app == nil {
		logger.Error("no application mounted")
		return
	}
	if !sta.HostFilter.Allowed(ClientIP(r.RemoteAddr), scope.Path) {
		logger.Warn("client is not allowed on this path")
		app = denyAll
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sta.Panel.register(scope, cancel)
	defer sta.Panel.unregister(scope)

	logger.Debug("new connection")
	err := app(ctx, scope, ws.Receive, ws.Send)
	switch {
	case err != nil:
		logger.WithError(err).Error("connection failed")
		_ = ws.CloseWithCode(websocket.CloseInternalServerErr, "internal error")
	case ctx.Err() != nil && r.Context().Err() == nil:
		_ = ws.CloseWithCode(websocket.ClosePolicyViolation, "terminated")
	default:
		logger.Debug("connection closed")
	}
}
