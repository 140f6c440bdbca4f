package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	oshttp "net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"trenerka/internal/api"
	"trenerka/internal/auth"
	"trenerka/internal/chat"
	"trenerka/internal/http"
	"trenerka/internal/models"
	"trenerka/internal/presence"
	"trenerka/internal/storage"
	"trenerka/internal/typing"
	"trenerka/internal/ws"
)

type testApp struct {
	srv      *httptest.Server
	auth     *auth.Service
	registry *ws.Registry
	clock    *clock.Mock
}

// newTestApp wires the full stack the way run() does, on a mock clock and an
// ephemeral listener.
func newTestApp(t *testing.T) *testApp {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bbStorage, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bbStorage.Close() })

	authService := auth.NewService(ctx, time.Hour)
	mockClock := clock.NewMock()
	tracker := presence.NewTracker(mockClock, 5*time.Second)
	chatService := chat.NewService(bbStorage, tracker, 4000)
	registry := ws.NewRegistry(chatService, 100)

	typingCoord := typing.NewCoordinator(mockClock, 3*time.Second, func(td models.TypingData) {
		registry.PushToConversation(td.ConversationID,
			models.NewServerEvent(models.ServerEventTyping, td), td.Identity)
	})

	tracker.OnChange(func(p models.Presence) {
		if !p.Online {
			typingCoord.ClearIdentity(p.Identity)
		}
		registry.Broadcast(models.NewServerEvent(models.ServerEventUserStatus, models.UserStatusData{
			Identity: p.Identity,
			Online:   p.Online,
			LastSeen: p.LastSeen.Unix(),
		}), p.Identity)
	})

	router := ws.NewRouter(chatService, tracker, typingCoord)
	wsServer := ws.NewServer(authService, registry, router, tracker)
	handlers := api.New(authService, chatService, tracker, registry)
	apiServer := http.NewAPIServer(handlers, wsServer, "")

	srv := httptest.NewServer(apiServer.Handler())
	t.Cleanup(srv.Close)

	return &testApp{srv: srv, auth: authService, registry: registry, clock: mockClock}
}

func (app *testApp) request(t *testing.T, method, path, token string, body any) *oshttp.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := oshttp.NewRequest(method, app.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("token", token)
	}
	resp, err := oshttp.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *oshttp.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type wsClient struct {
	conn   *websocket.Conn
	events chan models.ServerEvent
}

func dialWS(t *testing.T, app *testApp, token string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(app.srv.URL, "http") + "/api/chat"
	header := oshttp.Header{}
	header.Set("token", token)

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &wsClient{conn: conn, events: make(chan models.ServerEvent, 100)}
	go func() {
		for {
			var ev models.ServerEvent
			if err := conn.ReadJSON(&ev); err != nil {
				close(c.events)
				return
			}
			c.events <- ev
		}
	}()
	return c
}

// expect reads until an event of the wanted type arrives, skipping others
// (presence snapshots interleave freely with everything else).
func (c *wsClient) expect(t *testing.T, want models.ServerEventType) models.ServerEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				t.Fatalf("connection closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func (c *wsClient) send(t *testing.T, ev models.ClientEvent) {
	t.Helper()
	require.NoError(t, c.conn.WriteJSON(ev))
}

func TestRESTLifecycle(t *testing.T) {
	app := newTestApp(t)

	aliceToken, err := app.auth.Grant("alice")
	require.NoError(t, err)
	bobToken, err := app.auth.Grant("bob")
	require.NoError(t, err)

	resp := app.request(t, "GET", "/api/conversations", "", nil)
	require.Equal(t, oshttp.StatusUnauthorized, resp.StatusCode)

	resp = app.request(t, "POST", "/api/conversations", aliceToken, map[string]any{
		"kind":           "direct",
		"participantIds": []string{"bob"},
	})
	require.Equal(t, oshttp.StatusCreated, resp.StatusCode)
	conv := decodeBody[models.Conversation](t, resp)
	require.Len(t, conv.Participants, 2)

	// The same pair again returns the existing conversation.
	resp = app.request(t, "POST", "/api/conversations", bobToken, map[string]any{
		"kind":           "direct",
		"participantIds": []string{"alice"},
	})
	require.Equal(t, oshttp.StatusOK, resp.StatusCode)
	require.Equal(t, conv.ID, decodeBody[models.Conversation](t, resp).ID)

	resp = app.request(t, "POST", "/api/conversations/"+conv.ID+"/messages", aliceToken, map[string]any{
		"content": "privet",
	})
	require.Equal(t, oshttp.StatusCreated, resp.StatusCode)
	msg := decodeBody[models.Message](t, resp)
	require.Equal(t, int64(1), msg.Seq)

	summaries := decodeBody[[]models.ConversationSummary](t,
		app.request(t, "GET", "/api/conversations", bobToken, nil))
	require.Len(t, summaries, 1)
	require.Equal(t, int64(1), summaries[0].UnreadCount)
	require.NotNil(t, summaries[0].LastMessage)
	require.Equal(t, "privet", summaries[0].LastMessage.Content)

	// Opening the conversation acknowledges what was fetched.
	resp = app.request(t, "GET", "/api/conversations/"+conv.ID, bobToken, nil)
	require.Equal(t, oshttp.StatusOK, resp.StatusCode)
	page := decodeBody[models.ConversationPage](t, resp)
	require.Len(t, page.Messages, 1)

	summaries = decodeBody[[]models.ConversationSummary](t,
		app.request(t, "GET", "/api/conversations", bobToken, nil))
	require.Equal(t, int64(0), summaries[0].UnreadCount)

	// Outsiders get 403, not 404, for an existing conversation.
	carolToken, err := app.auth.Grant("carol")
	require.NoError(t, err)
	resp = app.request(t, "GET", "/api/conversations/"+conv.ID, carolToken, nil)
	require.Equal(t, oshttp.StatusForbidden, resp.StatusCode)

	resp = app.request(t, "PATCH", "/api/conversations/"+conv.ID+"/messages/1", aliceToken, map[string]any{
		"content": "privet, bob",
	})
	require.Equal(t, oshttp.StatusOK, resp.StatusCode)
	edited := decodeBody[models.Message](t, resp)
	require.True(t, edited.IsEdited)
	require.Equal(t, "privet, bob", edited.Content)

	resp = app.request(t, "DELETE", "/api/conversations/"+conv.ID+"/messages/1", bobToken, nil)
	require.Equal(t, oshttp.StatusForbidden, resp.StatusCode)
	resp = app.request(t, "DELETE", "/api/conversations/"+conv.ID+"/messages/1", aliceToken, nil)
	require.Equal(t, oshttp.StatusNoContent, resp.StatusCode)
}

func TestGroupMembership(t *testing.T) {
	app := newTestApp(t)

	aliceToken, err := app.auth.Grant("alice")
	require.NoError(t, err)
	bobToken, err := app.auth.Grant("bob")
	require.NoError(t, err)

	resp := app.request(t, "POST", "/api/conversations", aliceToken, map[string]any{
		"kind":           "group",
		"name":           "team",
		"participantIds": []string{"bob"},
	})
	require.Equal(t, oshttp.StatusCreated, resp.StatusCode)
	conv := decodeBody[models.Conversation](t, resp)

	// Only admins add members; the creator is the admin.
	resp = app.request(t, "POST", "/api/conversations/"+conv.ID+"/participants", bobToken, map[string]any{
		"identity": "carol",
	})
	require.Equal(t, oshttp.StatusForbidden, resp.StatusCode)

	resp = app.request(t, "POST", "/api/conversations/"+conv.ID+"/participants", aliceToken, map[string]any{
		"identity": "carol",
	})
	require.Equal(t, oshttp.StatusCreated, resp.StatusCode)

	carolToken, err := app.auth.Grant("carol")
	require.NoError(t, err)
	summaries := decodeBody[[]models.ConversationSummary](t,
		app.request(t, "GET", "/api/conversations", carolToken, nil))
	require.Len(t, summaries, 1)
	require.Equal(t, conv.ID, summaries[0].ID)
}

func TestWebSocketScenario(t *testing.T) {
	app := newTestApp(t)

	aliceToken, err := app.auth.Grant("alice")
	require.NoError(t, err)
	bobToken, err := app.auth.Grant("bob")
	require.NoError(t, err)

	resp := app.request(t, "POST", "/api/conversations", aliceToken, map[string]any{
		"kind":           "direct",
		"participantIds": []string{"bob"},
	})
	conv := decodeBody[models.Conversation](t, resp)

	alice := dialWS(t, app, aliceToken)

	// Alice sees bob come online.
	bob := dialWS(t, app, bobToken)
	status := alice.expect(t, models.ServerEventUserStatus)
	var statusData models.UserStatusData
	require.NoError(t, json.Unmarshal(status.Data, &statusData))
	require.Equal(t, "bob", statusData.Identity)
	require.True(t, statusData.Online)

	// Typing indicator: bob sees alice start and stop.
	alice.send(t, models.ClientEvent{
		Type:           models.ClientEventTyping,
		ConversationID: conv.ID,
		IsTyping:       true,
	})
	typingEv := bob.expect(t, models.ServerEventTyping)
	var td models.TypingData
	require.NoError(t, json.Unmarshal(typingEv.Data, &td))
	require.Equal(t, "alice", td.Identity)
	require.True(t, td.IsTyping)

	// A message over the socket reaches bob, and posting implies a typing
	// stop.
	alice.send(t, models.ClientEvent{
		Type:           models.ClientEventMessage,
		ConversationID: conv.ID,
		Content:        "zdravo",
	})
	typingEv = bob.expect(t, models.ServerEventTyping)
	require.NoError(t, json.Unmarshal(typingEv.Data, &td))
	require.False(t, td.IsTyping)

	msgEv := bob.expect(t, models.ServerEventMessage)
	var msg models.Message
	require.NoError(t, json.Unmarshal(msgEv.Data, &msg))
	require.Equal(t, "zdravo", msg.Content)
	require.Equal(t, int64(1), msg.Seq)

	// Bob acknowledges; alice sees the receipt.
	bob.send(t, models.ClientEvent{
		Type:           models.ClientEventReadReceipt,
		ConversationID: conv.ID,
		MessageSeq:     msg.Seq,
	})
	receiptEv := alice.expect(t, models.ServerEventReadReceipt)
	var receipt models.ReadReceiptData
	require.NoError(t, json.Unmarshal(receiptEv.Data, &receipt))
	require.Equal(t, "bob", receipt.Identity)
	require.Equal(t, msg.Seq, receipt.MessageSeq)

	// Bob drops; alice sees offline only after the grace window.
	require.NoError(t, bob.conn.Close())
	deadline := time.After(5 * time.Second)
	for offline := false; !offline; {
		app.clock.Add(6 * time.Second)
		select {
		case ev, ok := <-alice.events:
			require.True(t, ok, "alice's connection closed unexpectedly")
			if ev.Type != models.ServerEventUserStatus {
				continue
			}
			require.NoError(t, json.Unmarshal(ev.Data, &statusData))
			if statusData.Identity == "bob" && !statusData.Online {
				offline = true
			}
		case <-deadline:
			t.Fatal("bob never went offline")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestWebSocketAuthFailure(t *testing.T) {
	app := newTestApp(t)

	url := "ws" + strings.TrimPrefix(app.srv.URL, "http") + "/api/chat"
	header := oshttp.Header{}
	header.Set("token", "forged")

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err, "upgrade succeeds; rejection is a close frame")
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestWebSocketMalformedFrame(t *testing.T) {
	app := newTestApp(t)

	token, err := app.auth.Grant("alice")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(app.srv.URL, "http") + "/api/chat"
	header := oshttp.Header{}
	header.Set("token", token)

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
	require.Equal(t, websocket.CloseInvalidFramePayloadData, closeErr.Code)
}
