package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cams-connector/internal/config"
	"cams-connector/internal/protocol"
	"cams-connector/internal/tunnel"
)

const authDeadline = 10 * time.Second

// Hub принимает websocket-подключения агентов, проводит рукопожатие
// и регистрирует сессии в реестре
type Hub struct {
	cfg      *config.ProxyConfig
	logger   *zap.Logger
	registry *Registry
	upgrader websocket.Upgrader
}

// NewHub создает хаб устройств
func NewHub(cfg *config.ProxyConfig, registry *Registry, logger *zap.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// агенты подключаются не из браузера, Origin не проверяем
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleDevice обслуживает подключение одного агента до его смерти
func (h *Hub) HandleDevice(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	auth, authMsgID, err := h.authenticate(conn)
	if err != nil {
		h.logger.Warn("Device authentication failed",
			zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		conn.Close()
		return
	}

	okMsg := &protocol.Message{ID: authMsgID, Type: protocol.TypeAuthOK}
	data, _ := json.Marshal(okMsg)
	conn.SetWriteDeadline(time.Now().Add(authDeadline))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return
	}

	session := tunnel.NewSession(conn, auth.DeviceID, auth.CameraIDs, tunnel.Config{
		HeartbeatTimeout: h.cfg.HeartbeatTimeout(),
		Logger:           h.logger,
	})

	h.registry.Register(auth.DeviceID, session)
	session.Run()
	h.registry.Deregister(auth.DeviceID, session)
}

// authenticate читает AUTH-кадр и сверяет токен за константное время
func (h *Hub) authenticate(conn *websocket.Conn) (*protocol.AuthPayload, string, error) {
	conn.SetReadDeadline(time.Now().Add(authDeadline))

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, "", err
	}
	if msgType != websocket.TextMessage {
		return nil, "", errAuth(conn, "", "first frame must be an AUTH message")
	}

	var m protocol.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", errAuth(conn, "", "malformed AUTH frame")
	}
	if m.Type != protocol.TypeAuth {
		return nil, "", errAuth(conn, m.ID, "first frame must be an AUTH message")
	}

	var auth protocol.AuthPayload
	if err := m.DecodePayload(&auth); err != nil {
		return nil, "", errAuth(conn, m.ID, "malformed AUTH payload")
	}

	if subtle.ConstantTimeCompare([]byte(auth.Token), []byte(h.cfg.DeviceToken)) != 1 {
		return nil, "", errAuth(conn, m.ID, "invalid token")
	}
	if auth.DeviceID == "" {
		return nil, "", errAuth(conn, m.ID, "device_id is required")
	}

	return &auth, m.ID, nil
}

// errAuth отправляет AUTH_FAIL с причиной и возвращает ее как ошибку
func errAuth(conn *websocket.Conn, msgID, reason string) error {
	fail, err := protocol.NewMessage(msgID, protocol.TypeAuthFail, protocol.AuthFailPayload{Reason: reason})
	if err == nil {
		data, _ := json.Marshal(fail)
		conn.SetWriteDeadline(time.Now().Add(authDeadline))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	return &authError{reason: reason}
}

type authError struct {
	reason string
}

func (e *authError) Error() string { return "auth failed: " + e.reason }
