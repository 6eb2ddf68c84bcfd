package proxy

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cams-connector/internal/config"
	"cams-connector/internal/protocol"
)

// startBareProxy поднимает прокси без агента
func startBareProxy(t *testing.T) (baseURL string, registry *Registry) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	cfg := config.DefaultProxyConfig()
	cfg.DeviceToken = testToken

	registry = NewRegistry(logger)
	hub := NewHub(cfg, registry, logger)
	handler := NewHandler(cfg, registry, logger)
	router := NewRouter(cfg, handler, hub, logger)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv.URL, registry
}

func dialDevice(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/v1/ws/device"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendAuth(t *testing.T, conn *websocket.Conn, payload protocol.AuthPayload) *protocol.Message {
	t.Helper()

	msg, err := protocol.NewMessage(uuid.NewString(), protocol.TypeAuth, payload)
	require.NoError(t, err)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, replyData, err := conn.ReadMessage()
	require.NoError(t, err)

	var reply protocol.Message
	require.NoError(t, json.Unmarshal(replyData, &reply))
	return &reply
}

func TestDeviceAuthSuccess(t *testing.T) {
	baseURL, registry := startBareProxy(t)
	conn := dialDevice(t, baseURL)

	reply := sendAuth(t, conn, protocol.AuthPayload{
		Token:     testToken,
		DeviceID:  "pi-a",
		CameraIDs: []string{"cam1"},
	})
	assert.Equal(t, protocol.TypeAuthOK, reply.Type)

	require.Eventually(t, func() bool { return registry.Count() == 1 },
		5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"cam1"}, registry.Get("pi-a").Cameras())
}

func TestDeviceAuthBadToken(t *testing.T) {
	baseURL, registry := startBareProxy(t)
	conn := dialDevice(t, baseURL)

	reply := sendAuth(t, conn, protocol.AuthPayload{
		Token:    "wrong",
		DeviceID: "pi-a",
	})
	assert.Equal(t, protocol.TypeAuthFail, reply.Type)

	var fail protocol.AuthFailPayload
	require.NoError(t, reply.DecodePayload(&fail))
	assert.Equal(t, "invalid token", fail.Reason)
	assert.Equal(t, 0, registry.Count())
}

func TestDeviceAuthMissingDeviceID(t *testing.T) {
	baseURL, _ := startBareProxy(t)
	conn := dialDevice(t, baseURL)

	reply := sendAuth(t, conn, protocol.AuthPayload{Token: testToken})
	assert.Equal(t, protocol.TypeAuthFail, reply.Type)
}

func TestDeviceAuthRejectsNonAuthFirstFrame(t *testing.T) {
	baseURL, _ := startBareProxy(t)
	conn := dialDevice(t, baseURL)

	msg, err := protocol.NewMessage(uuid.NewString(), protocol.TypeListVideos,
		protocol.ListVideosPayload{Camera: "cam1"})
	require.NoError(t, err)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, replyData, err := conn.ReadMessage()
	require.NoError(t, err)

	var reply protocol.Message
	require.NoError(t, json.Unmarshal(replyData, &reply))
	assert.Equal(t, protocol.TypeAuthFail, reply.Type)
}
