package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	gmux "github.com/gorilla/mux"
	"github.com/hydrascope/dcrfgate/internal/common"
	"github.com/hydrascope/dcrfgate/internal/multiplex"
	log "github.com/sirupsen/logrus"
)

type activeConn struct {
	scope  *multiplex.Scope
	since  time.Time
	cancel context.CancelFunc
}

// ConnectionInfo describes a live connection to the admin API
type ConnectionInfo struct {
	ID         string
	RemoteAddr string
	Path       string
	Since      int64
	Principal  *multiplex.Principal
}

// connPanel keeps track of every live websocket connection so that they can be listed and
// terminated
type connPanel struct {
	world common.WorldState

	activeConnsM sync.RWMutex
	activeConns  map[string]*activeConn
}

func makeConnPanel(worldState common.WorldState) *connPanel {
	return &connPanel{
		world:       worldState,
		activeConns: make(map[string]*activeConn),
	}
}

func (panel *connPanel) register(scope *multiplex.Scope, cancel context.CancelFunc) {
	panel.activeConnsM.Lock()
	panel.activeConns[scope.ID] = &activeConn{
		scope:  scope,
		since:  panel.world.Now(),
		cancel: cancel,
	}
	panel.activeConnsM.Unlock()
}

func (panel *connPanel) unregister(scope *multiplex.Scope) {
	panel.activeConnsM.Lock()
	delete(panel.activeConns, scope.ID)
	panel.activeConnsM.Unlock()
}

// List returns every live connection, oldest first
func (panel *connPanel) List() []ConnectionInfo {
	panel.activeConnsM.RLock()
	infos := make([]ConnectionInfo, 0, len(panel.activeConns))
	for id, c := range panel.activeConns {
		infos = append(infos, ConnectionInfo{
			ID:         id,
			RemoteAddr: c.scope.RemoteAddr,
			Path:       c.scope.Path,
			Since:      c.since.Unix(),
			Principal:  c.scope.Principal(),
		})
	}
	panel.activeConnsM.RUnlock()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Since == infos[j].Since {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].Since < infos[j].Since
	})
	return infos
}

// Terminate cancels the connection with the given id. It returns false if there is none.
func (panel *connPanel) Terminate(id string) bool {
	panel.activeConnsM.RLock()
	c, ok := panel.activeConns[id]
	panel.activeConnsM.RUnlock()
	if !ok {
		return false
	}
	log.WithField("connID", id).Info("connection terminated by admin")
	c.cancel()
	return true
}

func (panel *connPanel) registerMux(router *gmux.Router) {
	router.HandleFunc("/admin/connections", panel.listConnectionsHlr).Methods("GET")
	router.HandleFunc("/admin/connections/{ID}", panel.terminateConnectionHlr).Methods("DELETE")
}

func (panel *connPanel) listConnectionsHlr(w http.ResponseWriter, r *http.Request) {
	resp, err := json.Marshal(panel.List())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (panel *connPanel) terminateConnectionHlr(w http.ResponseWriter, r *http.Request) {
	id := gmux.Vars(r)["ID"]
	if !panel.Terminate(id) {
		http.Error(w, "no such connection", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
