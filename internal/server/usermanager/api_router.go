package usermanager

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	gmux "github.com/gorilla/mux"
)

type APIRouter struct {
	*gmux.Router
	manager PrincipalManager
}

func APIRouterOf(manager PrincipalManager) *APIRouter {
	ret := &APIRouter{
		manager: manager,
	}
	ret.registerMux()
	return ret
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (ar *APIRouter) registerMux() {
	ar.Router = gmux.NewRouter()
	ar.HandleFunc("/admin/principals", ar.listAllPrincipalsHlr).Methods("GET")
	ar.HandleFunc("/admin/principals/{ID}", ar.getPrincipalHlr).Methods("GET")
	ar.HandleFunc("/admin/principals/{ID}", ar.writePrincipalHlr).Methods("POST")
	ar.HandleFunc("/admin/principals/{ID}", ar.deletePrincipalHlr).Methods("DELETE")
	ar.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	})
	ar.Use(corsMiddleware)
}

func idOf(r *http.Request) (int64, error) {
	raw := gmux.Vars(r)["ID"]
	if raw == "" {
		return 0, errors.New("ID cannot be empty")
	}
	return strconv.ParseInt(raw, 10, 64)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrPrincipalNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrManagerIsVoid):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (ar *APIRouter) listAllPrincipalsHlr(w http.ResponseWriter, r *http.Request) {
	infos, err := ar.manager.ListAllPrincipals()
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	resp, err := json.Marshal(infos)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (ar *APIRouter) getPrincipalHlr(w http.ResponseWriter, r *http.Request) {
	id, err := idOf(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	info, err := ar.manager.GetPrincipal(id)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	resp, err := json.Marshal(info)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (ar *APIRouter) writePrincipalHlr(w http.ResponseWriter, r *http.Request) {
	id, err := idOf(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var info PrincipalInfo
	if err = json.NewDecoder(r.Body).Decode(&info); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if info.ID != id {
		http.Error(w, "ID mismatch", http.StatusBadRequest)
		return
	}
	if err = ar.manager.WritePrincipal(info); err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (ar *APIRouter) deletePrincipalHlr(w http.ResponseWriter, r *http.Request) {
	id, err := idOf(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = ar.manager.DeletePrincipal(id); err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}
