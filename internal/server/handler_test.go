package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hydrascope/dcrfgate/internal/apps"
	"github.com/hydrascope/dcrfgate/internal/multiplex"
	"github.com/hydrascope/dcrfgate/internal/server/usermanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeState(t *testing.T, requireAuth bool, streams ...string) (sta *State, cleaner func()) {
	tmpDB, err := os.CreateTemp("", "dcrfgate_principals")
	require.NoError(t, err)
	_ = tmpDB.Close()

	sta, err = InitState(mockWorldState)
	require.NoError(t, err)
	mgr, err := usermanager.MakeLocalManager(tmpDB.Name())
	require.NoError(t, err)
	sta.Manager = mgr
	sta.CloseTimeout = time.Second
	sta.AdminAPI = true
	sta.AdminToken = mockAdminToken
	sta.RequireAuth = requireAuth
	sta.Validator = MakeTokenValidator(mockSecret, mockWorldState)

	applications := make(map[string]multiplex.Application)
	for _, name := range streams {
		app, err := apps.Lookup(name)
		require.NoError(t, err)
		applications[name] = app
	}
	require.NoError(t, sta.Mount(applications))

	cleaner = func() {
		_ = mgr.Close()
		_ = os.Remove(tmpDB.Name())
	}
	return sta, cleaner
}

const mockAdminToken = "admin-token"

func adminRequest(t *testing.T, method, url, token string, body io.Reader) *http.Response {
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func dial(t *testing.T, srv *httptest.Server, path string) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
}

func readEnvelope(t *testing.T, c *websocket.Conn) (string, json.RawMessage) {
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	stream, payload, ok := multiplex.PeekStream(data)
	require.True(t, ok, string(data))
	return stream, payload
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, code, closeErr.Code)
}

func TestServeWebSocket_Echo(t *testing.T) {
	sta, cleaner := makeState(t, false, "echo")
	defer cleaner()
	srv := httptest.NewServer(sta.Router())
	defer srv.Close()

	c, _, err := dial(t, srv, defaultPath)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"stream":"echo","payload":{"n":1}}`)))
	stream, payload := readEnvelope(t, c)
	assert.Equal(t, "echo", stream)
	assert.JSONEq(t, `{"n":1}`, string(payload))
}

func TestServeWebSocket_UnmappedStream(t *testing.T) {
	sta, cleaner := makeState(t, false, "echo")
	defer cleaner()
	srv := httptest.NewServer(sta.Router())
	defer srv.Close()

	c, _, err := dial(t, srv, defaultPath)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"stream":"udsscanrun","payload":{}}`)))
	expectClose(t, c, websocket.CloseInternalServerErr)
}

func TestServeWebSocket_MultibyteStreamName(t *testing.T) {
	sta, cleaner := makeState(t, false, "echo")
	defer cleaner()
	srv := httptest.NewServer(sta.Router())
	defer srv.Close()

	c, _, err := dial(t, srv, defaultPath)
	require.NoError(t, err)
	defer c.Close()

	stream := "x" + strings.Repeat("é", 100)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"stream":"`+stream+`","payload":{}}`)))
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = c.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
	// internal details stay in the log
	assert.Equal(t, "internal error", closeErr.Text)
}

func TestServeWebSocket_Auth(t *testing.T) {
	sta, cleaner := makeState(t, true, "userdata")
	defer cleaner()
	require.NoError(t, sta.Manager.WritePrincipal(usermanager.PrincipalInfo{
		ID:       3,
		Username: usermanager.JustString("tester"),
		Active:   usermanager.JustBool(true),
	}))
	srv := httptest.NewServer(sta.Router())
	defer srv.Close()

	t.Run("authenticated", func(t *testing.T) {
		c, _, err := dial(t, srv, defaultPath)
		require.NoError(t, err)
		defer c.Close()

		token := makeToken(t, 3, mockNow.Add(time.Minute))
		require.NoError(t, c.WriteMessage(websocket.TextMessage, setCredentialFrame(token).Payload))
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"stream":"userdata","payload":{"action":"retrieve","request_id":1}}`)))

		stream, payload := readEnvelope(t, c)
		assert.Equal(t, "userdata", stream)
		var resp struct {
			Data           *multiplex.Principal `json:"data"`
			ResponseStatus int                  `json:"response_status"`
		}
		require.NoError(t, json.Unmarshal(payload, &resp))
		assert.Equal(t, http.StatusOK, resp.ResponseStatus)
		assert.Equal(t, &multiplex.Principal{ID: 3, Username: "tester", Active: true}, resp.Data)
	})

	t.Run("no credential", func(t *testing.T) {
		c, _, err := dial(t, srv, defaultPath)
		require.NoError(t, err)
		defer c.Close()

		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"stream":"userdata","payload":{"action":"retrieve"}}`)))
		expectClose(t, c, websocket.CloseNormalClosure)
	})

	t.Run("unknown principal", func(t *testing.T) {
		c, _, err := dial(t, srv, defaultPath)
		require.NoError(t, err)
		defer c.Close()

		token := makeToken(t, 4, mockNow.Add(time.Minute))
		require.NoError(t, c.WriteMessage(websocket.TextMessage, setCredentialFrame(token).Payload))
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"stream":"userdata","payload":{"action":"retrieve"}}`)))
		expectClose(t, c, websocket.CloseInternalServerErr)
	})
}

func TestServeWebSocket_HostFilter(t *testing.T) {
	sta, cleaner := makeState(t, false, "echo")
	defer cleaner()
	var err error
	sta.HostFilter, err = ParseHostFilter([][]string{{`10\.`, `.*`}})
	require.NoError(t, err)
	srv := httptest.NewServer(sta.Router())
	defer srv.Close()

	_, resp, err := dial(t, srv, defaultPath)
	assert.Equal(t, websocket.ErrBadHandshake, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServeWebSocket_Panel(t *testing.T) {
	sta, cleaner := makeState(t, false, "echo")
	defer cleaner()
	srv := httptest.NewServer(sta.Router())
	defer srv.Close()

	c, _, err := dial(t, srv, defaultPath)
	require.NoError(t, err)
	defer c.Close()

	var infos []ConnectionInfo
	require.Eventually(t, func() bool {
		infos = sta.Panel.List()
		return len(infos) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, defaultPath, infos[0].Path)
	assert.Equal(t, mockNow.Unix(), infos[0].Since)

	resp := adminRequest(t, "GET", srv.URL+"/admin/connections", mockAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []ConnectionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	_ = resp.Body.Close()
	assert.Equal(t, infos, listed)

	resp = adminRequest(t, "DELETE", srv.URL+"/admin/connections/"+infos[0].ID, mockAdminToken, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	expectClose(t, c, websocket.ClosePolicyViolation)
	assert.Eventually(t, func() bool { return len(sta.Panel.List()) == 0 }, time.Second, 5*time.Millisecond)

	resp = adminRequest(t, "DELETE", srv.URL+"/admin/connections/"+infos[0].ID, mockAdminToken, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_AdminGuard(t *testing.T) {
	sta, cleaner := makeState(t, false, "echo")
	defer cleaner()
	srv := httptest.NewServer(sta.Router())
	defer srv.Close()

	t.Run("no token", func(t *testing.T) {
		for _, path := range []string{"/admin/principals", "/admin/connections"} {
			resp := adminRequest(t, "GET", srv.URL+path, "", nil)
			_ = resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		}
		resp := adminRequest(t, "POST", srv.URL+"/admin/principals/1", "", strings.NewReader(`{"IsStaff":true}`))
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		_, err := sta.Manager.GetPrincipal(1)
		assert.ErrorIs(t, err, usermanager.ErrPrincipalNotFound)
	})

	t.Run("wrong token", func(t *testing.T) {
		resp := adminRequest(t, "GET", srv.URL+"/admin/connections", "not-"+mockAdminToken, nil)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid token", func(t *testing.T) {
		resp := adminRequest(t, "GET", srv.URL+"/admin/principals", mockAdminToken, nil)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestRouter_AdminDeniedHost(t *testing.T) {
	sta, cleaner := makeState(t, false, "echo")
	defer cleaner()
	var err error
	sta.HostFilter, err = ParseHostFilter([][]string{{`10\.`, `.*`}})
	require.NoError(t, err)
	srv := httptest.NewServer(sta.Router())
	defer srv.Close()

	for _, path := range []string{"/admin/principals", "/admin/connections"} {
		resp := adminRequest(t, "GET", srv.URL+path, mockAdminToken, nil)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
	}
	resp := adminRequest(t, "POST", srv.URL+"/admin/principals/1", mockAdminToken, strings.NewReader(`{"IsStaff":true}`))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_, err = sta.Manager.GetPrincipal(1)
	assert.ErrorIs(t, err, usermanager.ErrPrincipalNotFound)
}

func TestRouter_NoAdminAPI(t *testing.T) {
	sta, cleaner := makeState(t, false, "echo")
	defer cleaner()
	sta.AdminAPI = false

	rr := httptest.NewRecorder()
	sta.Router().ServeHTTP(rr, httptest.NewRequest("GET", "/admin/principals", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
