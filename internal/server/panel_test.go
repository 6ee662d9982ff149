package server

import (
	"context"
	"testing"
	"time"

	"github.com/hydrascope/dcrfgate/internal/common"
	"github.com/hydrascope/dcrfgate/internal/multiplex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnPanel(t *testing.T) {
	now := mockNow
	panel := makeConnPanel(common.WorldState{Now: func() time.Time { return now }})

	first := multiplex.NewScope("10.0.0.1:1000", "/ws/dcrf/", nil)
	firstCtx, firstCancel := context.WithCancel(context.Background())
	defer firstCancel()
	panel.register(first, firstCancel)

	now = now.Add(time.Second)
	second := multiplex.NewScope("10.0.0.2:2000", "/ws/dcrf/", nil)
	second.SetPrincipal(&multiplex.Principal{ID: 7, Username: "tester"})
	_, secondCancel := context.WithCancel(context.Background())
	defer secondCancel()
	panel.register(second, secondCancel)

	t.Run("list is oldest first", func(t *testing.T) {
		infos := panel.List()
		require.Len(t, infos, 2)
		assert.Equal(t, first.ID, infos[0].ID)
		assert.Equal(t, "10.0.0.1:1000", infos[0].RemoteAddr)
		assert.Nil(t, infos[0].Principal)
		assert.Equal(t, second.ID, infos[1].ID)
		assert.Equal(t, int64(7), infos[1].Principal.ID)
		assert.Equal(t, infos[0].Since+1, infos[1].Since)
	})

	t.Run("terminate cancels the connection", func(t *testing.T) {
		assert.True(t, panel.Terminate(first.ID))
		assert.Error(t, firstCtx.Err())
		assert.False(t, panel.Terminate("nope"))
	})

	t.Run("unregister", func(t *testing.T) {
		panel.unregister(first)
		infos := panel.List()
		require.Len(t, infos, 1)
		assert.Equal(t, second.ID, infos[0].ID)
	})
}
