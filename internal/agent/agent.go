package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"cams-connector/internal/config"
	"cams-connector/internal/protocol"
	"cams-connector/internal/tunnel"
)

const handshakeTimeout = 10 * time.Second

// Agent - устройство-агент: держит исходящий туннель к прокси и
// обслуживает входящие запросы из локальной файловой системы
type Agent struct {
	cfg    *config.AgentConfig
	logger *zap.Logger
	store  *FileStore

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New создает агента
func New(cfg *config.AgentConfig, logger *zap.Logger) *Agent {
	return &Agent{
		cfg:    cfg,
		logger: logger,
		store:  NewFileStore(cfg.RecordingsRoot, logger),
		active: make(map[string]context.CancelFunc),
	}
}

// Run держит туннель живым до отмены контекста, переподключаясь
// с экспоненциальной паузой
func (a *Agent) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    a.cfg.ReconnectMin(),
		Max:    a.cfg.ReconnectMax(),
		Jitter: true,
	}

	for {
		err := a.runOnce(ctx, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := b.Duration()
		a.logger.Warn("Connection lost, reconnecting",
			zap.Duration("delay", delay), zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce - одно подключение: dial, рукопожатие, обслуживание до обрыва
func (a *Agent) runOnce(ctx context.Context, b *backoff.Backoff) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, a.cfg.ProxyURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("dial %s: %w", a.cfg.ProxyURL, err)
	}

	if err := a.handshake(conn); err != nil {
		conn.Close()
		return err
	}
	b.Reset()

	a.logger.Info("Connected and authenticated",
		zap.String("proxy", a.cfg.ProxyURL),
		zap.String("device_id", a.cfg.DeviceID),
		zap.Strings("cameras", a.cfg.CameraIDs))

	session := tunnel.NewSession(conn, a.cfg.DeviceID, a.cfg.CameraIDs, tunnel.Config{
		HeartbeatTimeout: a.cfg.HeartbeatTimeout(),
		IncomingBacklog:  16,
		Logger:           a.logger,
	})
	go session.Run()

	return a.serve(ctx, session)
}

// handshake отправляет AUTH с токеном и данными регистрации
func (a *Agent) handshake(conn *websocket.Conn) error {
	msg, err := protocol.NewMessage(uuid.NewString(), protocol.TypeAuth, protocol.AuthPayload{
		Token:     a.cfg.DeviceToken,
		DeviceID:  a.cfg.DeviceID,
		CameraIDs: a.cfg.CameraIDs,
	})
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send AUTH: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, replyData, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await AUTH reply: %w", err)
	}

	var reply protocol.Message
	if err := json.Unmarshal(replyData, &reply); err != nil {
		return fmt.Errorf("malformed AUTH reply: %w", err)
	}

	switch reply.Type {
	case protocol.TypeAuthOK:
		return nil
	case protocol.TypeAuthFail:
		var fail protocol.AuthFailPayload
		_ = reply.DecodePayload(&fail)
		return fmt.Errorf("authentication rejected: %s", fail.Reason)
	default:
		return fmt.Errorf("unexpected AUTH reply type %s", reply.Type)
	}
}

// serve раздает входящие запросы обработчикам до смерти сессии
func (a *Agent) serve(ctx context.Context, session *tunnel.Session) error {
	for {
		select {
		case m := <-session.Incoming():
			go a.dispatch(session, m)
		case <-session.Closed():
			return fmt.Errorf("session closed: %s", session.Reason())
		case <-ctx.Done():
			session.Close(tunnel.ReasonShutdown)
			return ctx.Err()
		}
	}
}

// dispatch обрабатывает один входящий запрос
func (a *Agent) dispatch(session *tunnel.Session, m *protocol.Message) {
	switch m.Type {
	case protocol.TypeListVideos:
		a.handleListVideos(session, m)
	case protocol.TypeReadFile:
		a.handleReadFile(session, m)
	case protocol.TypeCancel:
		a.cancelStream(m.ID)
	default:
		a.sendError(session, m.ID, protocol.CodeUnknownRequest,
			fmt.Sprintf("unknown request type: %s", m.Type))
	}
}

func (a *Agent) handleListVideos(session *tunnel.Session, m *protocol.Message) {
	var p protocol.ListVideosPayload
	if err := m.DecodePayload(&p); err != nil {
		a.sendError(session, m.ID, protocol.CodeListFailed, err.Error())
		return
	}

	result, err := a.store.ListVideos(p.Camera, ListQuery{
		Date:     p.Date,
		Hour:     p.Hour,
		Page:     p.Page,
		PageSize: p.PageSize,
	})
	if err != nil {
		a.logger.Error("LIST_VIDEOS failed",
			zap.String("camera", p.Camera), zap.Error(err))
		a.sendError(session, m.ID, protocol.CodeListFailed, err.Error())
		return
	}

	reply, err := protocol.NewMessage(m.ID, protocol.TypeListVideosRes, result)
	if err != nil {
		a.sendError(session, m.ID, protocol.CodeListFailed, err.Error())
		return
	}
	if err := session.WriteMessage(reply); err != nil {
		a.logger.Warn("LIST_VIDEOS_RES not sent", zap.String("id", m.ID), zap.Error(err))
	}
}

// handleReadFile отвечает READ_FILE_RES, затем стримит файл бинарными
// кадрами и завершает кадром конца потока. Любая файловая ошибка дает
// ERROR без кадра конца потока.
func (a *Agent) handleReadFile(session *tunnel.Session, m *protocol.Message) {
	var p protocol.ReadFilePayload
	if err := m.DecodePayload(&p); err != nil {
		a.sendError(session, m.ID, protocol.CodeReadFailed, err.Error())
		return
	}

	reader, meta, err := a.store.OpenRange(p.Camera, p.Filename, p.Start, p.End)
	if err != nil {
		a.logger.Warn("READ_FILE failed",
			zap.String("camera", p.Camera),
			zap.String("filename", p.Filename),
			zap.Error(err))
		a.sendError(session, m.ID, codeForError(err), err.Error())
		return
	}
	defer reader.Close()

	streamCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.trackStream(m.ID, cancel)
	defer a.untrackStream(m.ID)

	reply, err := protocol.NewMessage(m.ID, protocol.TypeReadFileRes, meta)
	if err != nil {
		a.sendError(session, m.ID, protocol.CodeReadFailed, err.Error())
		return
	}
	if err := session.WriteMessage(reply); err != nil {
		return
	}

	buf := make([]byte, a.cfg.ChunkSizeBytes)
	for {
		select {
		case <-streamCtx.Done():
			a.logger.Debug("Stream cancelled by proxy", zap.String("id", m.ID))
			return
		default:
		}

		n, err := reader.Read(buf)
		if n > 0 {
			if werr := session.WriteBinary(m.ID, buf[:n]); werr != nil {
				return
			}
		}
		if err == io.EOF {
			if werr := session.WriteEndOfStream(m.ID); werr == nil {
				a.logger.Debug("Stream complete",
					zap.String("id", m.ID),
					zap.String("filename", p.Filename),
					zap.Int64("bytes", meta.Length))
			}
			return
		}
		if err != nil {
			a.logger.Error("Read failed mid-stream",
				zap.String("filename", p.Filename), zap.Error(err))
			a.sendError(session, m.ID, protocol.CodeReadFailed, err.Error())
			return
		}
	}
}

func (a *Agent) sendError(session *tunnel.Session, id, code, message string) {
	msg, err := protocol.NewMessage(id, protocol.TypeError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	if err := session.WriteMessage(msg); err != nil {
		a.logger.Warn("ERROR reply not sent", zap.String("id", id), zap.Error(err))
	}
}

func (a *Agent) trackStream(id string, cancel context.CancelFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active[id] = cancel
}

func (a *Agent) untrackStream(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, id)
}

func (a *Agent) cancelStream(id string) {
	a.mu.Lock()
	cancel := a.active[id]
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func codeForError(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return protocol.CodeFileNotFound
	case errors.Is(err, fs.ErrPermission):
		return protocol.CodePermissionDenied
	case errors.Is(err, ErrBadRange):
		return protocol.CodeInvalidRange
	case errors.Is(err, ErrBadFilename):
		return protocol.CodeBadFilename
	default:
		return protocol.CodeReadFailed
	}
}
