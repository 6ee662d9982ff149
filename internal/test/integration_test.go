package test

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/hydrascope/dcrfgate/internal/common"
	"github.com/hydrascope/dcrfgate/internal/multiplex"
	"github.com/hydrascope/dcrfgate/internal/server"
	"github.com/hydrascope/dcrfgate/internal/server/usermanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	log "github.com/sirupsen/logrus"
)

const numConns = 50
const msgsPerConn = 20

var secretKey = "integration-secret"
var worldState = common.WorldOfTime(time.Unix(1700000000, 0))

func makeToken(t *testing.T, userID int64) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &server.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(worldState.Now().Add(5 * time.Minute)),
		},
	})
	signed, err := token.SignedString([]byte(secretKey))
	require.NoError(t, err)
	return signed
}

func basicServerState(t *testing.T, dbPath string) *server.State {
	sta, err := server.InitState(worldState)
	require.NoError(t, err)
	err = sta.ParseConfig(fmt.Sprintf(`{
		"Streams": ["echo"],
		"RequireAuth": true,
		"SecretKey": %q,
		"DatabasePath": %q,
		"CloseTimeout": 1,
		"AdminAPI": true,
		"AdminToken": "admin"
	}`, secretKey, dbPath))
	require.NoError(t, err)
	return sta
}

func establishServer(t *testing.T) (sta *server.State, url string, cleaner func()) {
	dbPath := t.TempDir() + "/principals.db"
	sta = basicServerState(t, dbPath)
	for i := int64(1); i <= numConns; i++ {
		require.NoError(t, sta.Manager.WritePrincipal(usermanager.PrincipalInfo{
			ID:       i,
			Username: usermanager.JustString(fmt.Sprintf("user%d", i)),
			Active:   usermanager.JustBool(true),
		}))
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		if err := server.Serve(l, sta); err != nil {
			log.Debug(err)
		}
	}()
	cleaner = func() {
		_ = l.Close()
		_ = sta.Manager.Close()
	}
	return sta, "ws://" + l.Addr().String() + sta.Path, cleaner
}

func runClient(t *testing.T, url string, userID int64) error {
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	setToken := `{"stream":"set_jwt_access_token","payload":{"data":{"access":"` + makeToken(t, userID) + `"}}}`
	if err = c.WriteMessage(websocket.TextMessage, []byte(setToken)); err != nil {
		return err
	}
	for i := 0; i < msgsPerConn; i++ {
		msg := fmt.Sprintf(`{"stream":"echo","payload":{"user":%d,"seq":%d}}`, userID, i)
		if err = c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return err
		}
	}
	for i := 0; i < msgsPerConn; i++ {
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := c.ReadMessage()
		if err != nil {
			return err
		}
		expected := fmt.Sprintf(`{"stream":"echo","payload":{"user":%d,"seq":%d}}`, userID, i)
		if string(data) != expected {
			return fmt.Errorf("expected %v, got %v", expected, string(data))
		}
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func TestGatedEcho(t *testing.T) {
	sta, url, cleaner := establishServer(t)
	defer cleaner()

	var wg sync.WaitGroup
	errs := make(chan error, numConns)
	for i := int64(1); i <= numConns; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			if err := runClient(t, url, userID); err != nil {
				errs <- fmt.Errorf("user %d: %w", userID, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	assert.Eventually(t, func() bool { return len(sta.Panel.List()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestUnauthenticatedIsClosed(t *testing.T) {
	_, url, cleaner := establishServer(t)
	defer cleaner()

	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"stream":"echo","payload":{}}`)))
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, multiplex.CloseNormal, closeErr.Code)
}

func TestWrongPath(t *testing.T) {
	_, url, cleaner := establishServer(t)
	defer cleaner()

	_, resp, err := websocket.DefaultDialer.Dial(strings.TrimSuffix(url, "/")+"/elsewhere/", nil)
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}
