package tunnel

import (
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cams-connector/internal/protocol"
)

// CloseReason - причина закрытия сессии
type CloseReason string

const (
	ReasonAuthFailed       CloseReason = "auth-failed"
	ReasonSuperseded       CloseReason = "superseded"
	ReasonHeartbeatTimeout CloseReason = "heartbeat-timeout"
	ReasonDecodeError      CloseReason = "decode-error"
	ReasonTransportError   CloseReason = "transport-error"
	ReasonShutdown         CloseReason = "shutdown"
)

const (
	defaultHeartbeatTimeout = 30 * time.Second
	defaultStreamBacklog    = 16
	defaultIncomingBacklog  = 16
	writeTimeout            = 10 * time.Second
)

// Config - настройки сессии
type Config struct {
	HeartbeatTimeout time.Duration
	StreamBacklog    int
	// IncomingBacklog > 0 включает доставку входящих запросов через Incoming()
	// (агентская роль сессии)
	IncomingBacklog int
	Logger          *zap.Logger
}

// Session - одна живая туннельная сессия поверх websocket-соединения.
// Единственная reader-горутина демультиплексирует кадры по pending-таблице,
// мьютекс записи сериализует все исходящие кадры.
type Session struct {
	conn   *websocket.Conn
	logger *zap.Logger

	deviceID string
	cameras  []string

	heartbeat     time.Duration
	streamBacklog int

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*PendingRequest

	incoming chan *protocol.Message

	closeOnce sync.Once
	closed    chan struct{}

	reasonMu sync.Mutex
	reason   CloseReason
}

// NewSession создает сессию поверх установленного соединения
func NewSession(conn *websocket.Conn, deviceID string, cameras []string, cfg Config) *Session {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.StreamBacklog <= 0 {
		cfg.StreamBacklog = defaultStreamBacklog
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Session{
		conn:          conn,
		logger:        cfg.Logger.With(zap.String("device_id", deviceID)),
		deviceID:      deviceID,
		cameras:       cameras,
		heartbeat:     cfg.HeartbeatTimeout,
		streamBacklog: cfg.StreamBacklog,
		pending:       make(map[string]*PendingRequest),
		closed:        make(chan struct{}),
	}
	if cfg.IncomingBacklog > 0 {
		s.incoming = make(chan *protocol.Message, cfg.IncomingBacklog)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.heartbeat))
	})

	return s
}

// DeviceID возвращает идентификатор устройства
func (s *Session) DeviceID() string { return s.deviceID }

// Cameras возвращает камеры, заявленные при регистрации
func (s *Session) Cameras() []string { return s.cameras }

// Incoming возвращает канал входящих запросов (агентская роль)
func (s *Session) Incoming() <-chan *protocol.Message { return s.incoming }

// Closed закрывается при смерти сессии
func (s *Session) Closed() <-chan struct{} { return s.closed }

// IsClosed сообщает, закрыта ли сессия
func (s *Session) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Reason возвращает причину закрытия
func (s *Session) Reason() CloseReason {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.reason
}

// Run обслуживает сессию до ее закрытия
func (s *Session) Run() {
	go s.pingLoop()
	s.readLoop()
}

// Send отправляет запрос и регистрирует его в pending-таблице
func (s *Session) Send(msgType string, payload interface{}, streaming bool) (*PendingRequest, error) {
	id := uuid.NewString()
	msg, err := protocol.NewMessage(id, msgType, payload)
	if err != nil {
		return nil, err
	}

	pr := newPendingRequest(id, streaming, s.streamBacklog, s.cancelRequest)

	s.pendingMu.Lock()
	if s.IsClosed() {
		s.pendingMu.Unlock()
		return nil, ErrDisconnected
	}
	s.pending[id] = pr
	s.pendingMu.Unlock()

	if err := s.WriteMessage(msg); err != nil {
		s.removePending(id)
		pr.fail(err)
		return nil, err
	}

	return pr, nil
}

// WriteMessage пишет текстовый кадр под мьютексом записи
func (s *Session) WriteMessage(m *protocol.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteBinary пишет один бинарный чанк под мьютексом записи
func (s *Session) WriteBinary(requestID string, chunk []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeBinaryFrame(requestID, chunk))
}

// WriteEndOfStream пишет кадр конца потока
func (s *Session) WriteEndOfStream(requestID string) error {
	return s.WriteBinary(requestID, nil)
}

// Close переводит сессию в CLOSED: отказывает все pending-запросы и
// закрывает соединение. Повторные вызовы игнорируются.
func (s *Session) Close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.reasonMu.Lock()
		s.reason = reason
		s.reasonMu.Unlock()

		close(s.closed)

		s.pendingMu.Lock()
		pending := s.pending
		s.pending = make(map[string]*PendingRequest)
		s.pendingMu.Unlock()

		for _, pr := range pending {
			pr.fail(ErrDisconnected)
		}

		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(reason)), deadline)
		_ = s.conn.Close()

		s.logger.Info("Session closed",
			zap.String("reason", string(reason)),
			zap.Int("failed_requests", len(pending)))
	})
}

// readLoop - единственный читатель соединения
func (s *Session) readLoop() {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.heartbeat)); err != nil {
			s.Close(ReasonTransportError)
			return
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.IsClosed() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.logger.Warn("Session silent beyond heartbeat timeout",
					zap.Duration("timeout", s.heartbeat))
				s.Close(ReasonHeartbeatTimeout)
			} else {
				s.Close(ReasonTransportError)
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			if !s.handleText(data) {
				return
			}
		case websocket.BinaryMessage:
			if !s.handleBinary(data) {
				return
			}
		}
	}
}

// handleText маршрутизирует текстовый кадр; false означает смерть сессии
func (s *Session) handleText(data []byte) bool {
	var m protocol.Message
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Error("Malformed text frame", zap.Error(err))
		s.Close(ReasonDecodeError)
		return false
	}

	pr := s.lookupPending(m.ID)
	if pr == nil {
		if s.incoming != nil && isRequestType(m.Type) {
			select {
			case s.incoming <- &m:
			case <-s.closed:
				return false
			}
			return true
		}
		s.logger.Warn("Text frame for unknown request discarded",
			zap.String("id", m.ID), zap.String("type", m.Type))
		return true
	}

	switch {
	case m.Type == protocol.TypeError:
		s.removePending(m.ID)
		pr.deliverReply(&m)
		if pr.streaming {
			var ep protocol.ErrorPayload
			_ = json.Unmarshal(m.Payload, &ep)
			pr.fail(&RemoteError{Code: ep.Code, Message: ep.Message})
		} else {
			pr.succeed()
		}

	case strings.HasSuffix(m.Type, "_RES"):
		if pr.streaming {
			// запись остается до кадра конца потока
			pr.deliverReply(&m)
		} else {
			s.removePending(m.ID)
			pr.deliverReply(&m)
			pr.succeed()
		}

	default:
		s.logger.Warn("Unexpected reply type",
			zap.String("id", m.ID), zap.String("type", m.Type))
	}

	return true
}

// handleBinary маршрутизирует бинарный кадр; false означает смерть сессии
func (s *Session) handleBinary(data []byte) bool {
	requestID, chunk, err := protocol.DecodeBinaryFrame(data)
	if err != nil {
		s.logger.Error("Undecodable binary frame",
			zap.Int("bytes", len(data)), zap.Error(err))
		s.Close(ReasonDecodeError)
		return false
	}

	pr := s.lookupPending(requestID)
	if pr == nil || pr.data == nil {
		s.logger.Warn("Binary chunk for unknown request discarded",
			zap.String("id", requestID), zap.Int("bytes", len(chunk)))
		return true
	}

	if len(chunk) == 0 {
		s.removePending(requestID)
		pr.succeed()
		return true
	}

	select {
	case pr.data <- chunk:
	case <-pr.done:
		// запрос уже завершен, поздний чанк отбрасываем
	case <-s.closed:
		return false
	}
	return true
}

// pingLoop шлет ping, чтобы та сторона видела живость при простое
func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.heartbeat / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

// cancelRequest отменяет запрос локально и шлет CANCEL на ту сторону
func (s *Session) cancelRequest(p *PendingRequest) {
	s.removePending(p.id)
	p.fail(ErrCancelled)

	if err := s.WriteMessage(&protocol.Message{ID: p.id, Type: protocol.TypeCancel}); err != nil {
		s.logger.Debug("Cancel frame not sent", zap.String("id", p.id), zap.Error(err))
	}
}

func (s *Session) lookupPending(id string) *PendingRequest {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.pending[id]
}

func (s *Session) removePending(id string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, id)
}

// PendingCount возвращает число незавершенных запросов
func (s *Session) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

func isRequestType(msgType string) bool {
	switch msgType {
	case protocol.TypeListVideos, protocol.TypeReadFile, protocol.TypeCancel:
		return true
	}
	return false
}
