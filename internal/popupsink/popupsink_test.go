package popupsink

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextdev/contextd/internal/dispatch"
	"github.com/contextdev/contextd/internal/popup"
	"github.com/contextdev/contextd/internal/protocol"
	"github.com/contextdev/contextd/internal/transport/wsconn"
)

func TestShowPopupFailsWithNoConnectedClients(t *testing.T) {
	registry := dispatch.NewRegistry()
	hub := wsconn.NewHub(registry)
	sink := New(hub)

	err := sink.ShowPopup(context.Background(), popup.Request{ID: "1", Message: "hi"})
	assert.Error(t, err)
}

func TestShowPopupBroadcastsToConnectedClient(t *testing.T) {
	registry := dispatch.NewRegistry()
	hub := wsconn.NewHub(registry)
	coordinator := popup.New(New(hub))
	RegisterResponseHandler(registry, coordinator)

	ts := httptest.NewServer(hub.Handler())
	defer ts.Close()
	wsURL := "ws" + ts.URL[len("http"):]

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	// drain the initial "connected" handshake frame
	_, _, err = ws.ReadMessage()
	require.NoError(t, err)

	go func() {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var f wsconn.Frame
		if json.Unmarshal(data, &f) != nil || f.Type != wsconn.FrameRequest || f.Tool != ToolPopupShow {
			return
		}
		var shown showPayload
		json.Unmarshal(f.Payload, &shown)

		reply, _ := json.Marshal(responsePayload{ID: shown.ID, Response: `{"user_input":"yes"}`})
		frame, _ := json.Marshal(wsconn.Frame{Type: wsconn.FrameRequest, ID: "reply-1", Tool: ToolPopupResponse, Payload: reply})
		ws.WriteMessage(websocket.TextMessage, frame)
	}()

	resp, err := coordinator.Ask(context.Background(), "ship it?", nil, false, 2*time.Second, nil)
	require.NoError(t, err)
	assert.Contains(t, string(resp), "yes")
}
