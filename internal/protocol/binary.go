package protocol

import (
	"errors"

	"github.com/google/uuid"
)

// RequestIDLen - длина ASCII-представления UUID в начале бинарного кадра
const RequestIDLen = 36

var (
	ErrFrameTooShort = errors.New("binary frame shorter than request id prefix")
	ErrBadRequestID  = errors.New("binary frame prefix is not a valid uuid")
)

// EncodeBinaryFrame собирает бинарный кадр: 36 байт UUID + данные
func EncodeBinaryFrame(requestID string, chunk []byte) []byte {
	frame := make([]byte, RequestIDLen+len(chunk))
	copy(frame, requestID)
	copy(frame[RequestIDLen:], chunk)
	return frame
}

// EncodeEndOfStream собирает кадр конца потока (пустой payload)
func EncodeEndOfStream(requestID string) []byte {
	return EncodeBinaryFrame(requestID, nil)
}

// DecodeBinaryFrame разбирает бинарный кадр на request id и данные.
// Пустой payload означает конец потока.
func DecodeBinaryFrame(frame []byte) (string, []byte, error) {
	if len(frame) < RequestIDLen {
		return "", nil, ErrFrameTooShort
	}

	requestID := string(frame[:RequestIDLen])
	if _, err := uuid.Parse(requestID); err != nil {
		return "", nil, ErrBadRequestID
	}

	return requestID, frame[RequestIDLen:], nil
}
