package protocol

import (
	"encoding/json"
	"fmt"
)

// Типы сообщений туннеля
const (
	TypeAuth          = "AUTH"
	TypeAuthOK        = "AUTH_OK"
	TypeAuthFail      = "AUTH_FAIL"
	TypeListVideos    = "LIST_VIDEOS"
	TypeListVideosRes = "LIST_VIDEOS_RES"
	TypeReadFile      = "READ_FILE"
	TypeReadFileRes   = "READ_FILE_RES"
	TypeCancel        = "CANCEL"
	TypeError         = "ERROR"
)

// Коды ошибок в ERROR-сообщениях
const (
	CodeFileNotFound     = "FILE_NOT_FOUND"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeInvalidRange     = "INVALID_RANGE"
	CodeBadFilename      = "BAD_FILENAME"
	CodeReadFailed       = "READ_FAILED"
	CodeListFailed       = "LIST_FAILED"
	CodeUnknownRequest   = "UNKNOWN_REQUEST"
)

// Message - текстовый кадр туннеля
type Message struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage создает сообщение с сериализованным payload
func NewMessage(id, msgType string, payload interface{}) (*Message, error) {
	msg := &Message{ID: id, Type: msgType}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Payload = data
	}

	return msg, nil
}

// DecodePayload десериализует payload сообщения
func (m *Message) DecodePayload(into interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, into); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// AuthPayload - рукопожатие агента: токен плюс данные регистрации
type AuthPayload struct {
	Token     string   `json:"token"`
	DeviceID  string   `json:"device_id"`
	CameraIDs []string `json:"camera_ids"`
}

// AuthFailPayload - причина отказа в аутентификации
type AuthFailPayload struct {
	Reason string `json:"reason"`
}

// ListVideosPayload - запрос списка видео
type ListVideosPayload struct {
	Camera   string `json:"camera"`
	Date     string `json:"date,omitempty"`
	Hour     *int   `json:"hour,omitempty"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// VideoInfo - одна запись списка видео
type VideoInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Timestamp string `json:"timestamp"`
	Camera    string `json:"camera"`
}

// ListVideosResult - ответ на LIST_VIDEOS
type ListVideosResult struct {
	Videos     []VideoInfo `json:"videos"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}

// ReadFilePayload - запрос чтения файла; End == nil означает до конца файла
type ReadFilePayload struct {
	Camera   string `json:"camera"`
	Filename string `json:"filename"`
	Start    int64  `json:"start"`
	End      *int64 `json:"end,omitempty"`
}

// ReadFileResult - текстовый ответ перед бинарным потоком
type ReadFileResult struct {
	Size   int64 `json:"size"`
	Start  int64 `json:"start"`
	End    int64 `json:"end"`
	Length int64 `json:"length"`
}

// ErrorPayload - ответ ERROR
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
