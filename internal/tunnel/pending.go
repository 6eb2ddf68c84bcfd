package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cams-connector/internal/protocol"
)

var (
	// ErrCancelled - запрос отменен диспетчером (клиент отключился)
	ErrCancelled = errors.New("request cancelled")
	// ErrDisconnected - сессия умерла до завершения запроса
	ErrDisconnected = errors.New("session disconnected")
)

// RemoteError - ERROR, пришедший с той стороны туннеля после начала потока
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// PendingRequest - исходящий запрос, ожидающий ответа.
// Ответ (reply) доставляется не более одного раза; терминальное событие
// (конец потока, ошибка, отмена, смерть сессии) - ровно одно.
type PendingRequest struct {
	id        string
	streaming bool

	reply chan *protocol.Message
	data  chan []byte
	done  chan struct{}

	replyOnce sync.Once
	termOnce  sync.Once

	mu  sync.Mutex
	err error

	cancel func(*PendingRequest)
}

func newPendingRequest(id string, streaming bool, backlog int, cancel func(*PendingRequest)) *PendingRequest {
	p := &PendingRequest{
		id:        id,
		streaming: streaming,
		reply:     make(chan *protocol.Message, 1),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	if streaming {
		p.data = make(chan []byte, backlog)
	}
	return p
}

// ID возвращает идентификатор запроса
func (p *PendingRequest) ID() string { return p.id }

// Reply возвращает канал первого текстового ответа
func (p *PendingRequest) Reply() <-chan *protocol.Message { return p.reply }

// Data возвращает канал бинарных чанков; nil для нестримовых запросов
func (p *PendingRequest) Data() <-chan []byte { return p.data }

// Done закрывается на терминальном событии
func (p *PendingRequest) Done() <-chan struct{} { return p.done }

// Err возвращает причину терминального события; nil при нормальном завершении
func (p *PendingRequest) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Cancel отменяет запрос локально и посылает CANCEL агенту
func (p *PendingRequest) Cancel() {
	if p.cancel != nil {
		p.cancel(p)
	} else {
		p.fail(ErrCancelled)
	}
}

// AwaitReply ждет первый текстовый ответ с учетом дедлайна запроса.
// По истечении контекста запрос отменяется.
func (p *PendingRequest) AwaitReply(ctx context.Context) (*protocol.Message, error) {
	select {
	case m := <-p.reply:
		return m, nil
	case <-p.done:
		// ответ мог успеть в буфер до терминального события
		select {
		case m := <-p.reply:
			return m, nil
		default:
		}
		if err := p.Err(); err != nil {
			return nil, err
		}
		return nil, ErrDisconnected
	case <-ctx.Done():
		p.Cancel()
		return nil, ctx.Err()
	}
}

// deliverReply доставляет первый текстовый ответ (однократно)
func (p *PendingRequest) deliverReply(m *protocol.Message) {
	p.replyOnce.Do(func() {
		p.reply <- m
	})
}

// succeed завершает запрос нормально. Вызывается только из reader-горутины
// сессии: она единственный отправитель в data, поэтому вправе его закрыть.
// data закрывается строго до done - потребитель дочитывает хвост буфера.
func (p *PendingRequest) succeed() {
	p.termOnce.Do(func() {
		if p.data != nil {
			close(p.data)
		}
		close(p.done)
	})
}

// fail завершает запрос с ошибкой. Может вызываться из любой горутины,
// поэтому data не закрывает: сигналом обрыва служит done плюс Err().
func (p *PendingRequest) fail(err error) {
	p.termOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}
