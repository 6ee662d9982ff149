package multiplex

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Principal is the identity resolved from a validated credential
type Principal struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsStaff  bool   `json:"is_staff"`
	Active   bool   `json:"active"`
}

// Scope holds the state of one physical connection. It is shared by pointer with every
// sub-application running over that connection, so that e.g. a principal set by the auth
// gate is visible to all of them.
type Scope struct {
	ID         string
	RemoteAddr string
	Path       string
	Header     http.Header

	mu         sync.RWMutex
	credential string
	principal  *Principal
}

func NewScope(remoteAddr, path string, header http.Header) *Scope {
	return &Scope{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		Path:       path,
		Header:     header,
	}
}

func (s *Scope) Credential() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential
}

func (s *Scope) SetCredential(credential string) {
	s.mu.Lock()
	s.credential = credential
	s.mu.Unlock()
}

// Principal returns nil if no principal has been resolved on this connection
func (s *Scope) Principal() *Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal
}

func (s *Scope) SetPrincipal(p *Principal) {
	s.mu.Lock()
	s.principal = p
	s.mu.Unlock()
}
