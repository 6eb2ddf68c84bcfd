package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cams-connector/internal/config"
	"cams-connector/internal/protocol"
	"cams-connector/internal/tunnel"
)

var (
	errMalformedRange     = errors.New("malformed range header")
	errUnsatisfiableRange = errors.New("unsatisfiable range")
)

// Handler транслирует клиентские HTTP-запросы в туннельные вызовы
type Handler struct {
	cfg      *config.ProxyConfig
	logger   *zap.Logger
	registry *Registry
}

// NewHandler создает HTTP-обработчики прокси
func NewHandler(cfg *config.ProxyConfig, registry *Registry, logger *zap.Logger) *Handler {
	return &Handler{cfg: cfg, logger: logger, registry: registry}
}

// RegisterRoutes регистрирует маршруты API
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/cameras", h.handleCameras)
	r.GET("/devices/:device/videos", h.handleListVideos)
	r.GET("/devices/:device/videos/:filename", h.handleStreamVideo)
	r.HEAD("/devices/:device/videos/:filename", h.handleStreamVideo)
}

// HandleHealth отвечает на проверку живости
func (h *Handler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"connected_devices": h.registry.Count(),
	})
}

// handleCameras отдает все камеры всех подключенных устройств
func (h *Handler) handleCameras(c *gin.Context) {
	cameras := h.registry.Cameras()
	c.JSON(http.StatusOK, gin.H{
		"cameras": cameras,
		"total":   len(cameras),
	})
}

// handleListVideos транслирует запрос списка видео в LIST_VIDEOS
func (h *Handler) handleListVideos(c *gin.Context) {
	session, ok := h.resolveSession(c)
	if !ok {
		return
	}

	payload := protocol.ListVideosPayload{
		Camera:   c.Param("device"),
		Page:     1,
		PageSize: 60,
	}

	if date := c.Query("date"); date != "" {
		if _, err := time.Parse("20060102", date); err != nil {
			badRequest(c, "date must be in YYYYMMDD format")
			return
		}
		payload.Date = date
	}
	if hourStr := c.Query("hour"); hourStr != "" {
		hour, err := strconv.Atoi(hourStr)
		if err != nil || hour < 0 || hour > 23 {
			badRequest(c, "hour must be between 0 and 23")
			return
		}
		payload.Hour = &hour
	}
	if pageStr := c.Query("page"); pageStr != "" {
		page, err := strconv.Atoi(pageStr)
		if err != nil || page < 1 {
			badRequest(c, "page must be >= 1")
			return
		}
		payload.Page = page
	}
	if sizeStr := c.Query("page_size"); sizeStr != "" {
		size, err := strconv.Atoi(sizeStr)
		if err != nil || size < 1 || size > h.cfg.MaxPageSize {
			badRequest(c, fmt.Sprintf("page_size must be between 1 and %d", h.cfg.MaxPageSize))
			return
		}
		payload.PageSize = size
	}

	pr, err := session.Send(protocol.TypeListVideos, payload, false)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Bad Gateway", "message": "device disconnected"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.RequestDeadline())
	defer cancel()

	reply, err := pr.AwaitReply(ctx)
	if err != nil {
		h.replyError(c, err)
		return
	}

	if reply.Type == protocol.TypeError {
		h.tunnelError(c, reply)
		return
	}

	c.Data(http.StatusOK, "application/json", reply.Payload)
}

// handleStreamVideo транслирует запрос видео в READ_FILE и перекачивает
// бинарный поток в HTTP-ответ с поддержкой Range
func (h *Handler) handleStreamVideo(c *gin.Context) {
	filename := c.Param("filename")
	if !validFilename(filename) {
		badRequest(c, "invalid filename")
		return
	}

	var (
		start  int64
		end    *int64
		ranged bool
	)
	if rangeHeader := c.GetHeader("Range"); rangeHeader != "" {
		var err error
		start, end, err = parseRangeHeader(rangeHeader)
		switch {
		case errors.Is(err, errUnsatisfiableRange):
			c.JSON(http.StatusRequestedRangeNotSatisfiable,
				gin.H{"error": "Range Not Satisfiable", "message": "only single byte ranges are supported"})
			return
		case err != nil:
			badRequest(c, "malformed Range header")
			return
		}
		ranged = true
	}

	// для HEAD запрашиваем один байт: нужен только размер файла
	isHead := c.Request.Method == http.MethodHead
	if isHead {
		start = 0
		zero := int64(0)
		end = &zero
	}

	session, ok := h.resolveSession(c)
	if !ok {
		return
	}

	payload := protocol.ReadFilePayload{
		Camera:   c.Param("device"),
		Filename: filename,
		Start:    start,
		End:      end,
	}

	pr, err := session.Send(protocol.TypeReadFile, payload, true)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Bad Gateway", "message": "device disconnected"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.RequestDeadline())
	reply, err := pr.AwaitReply(ctx)
	cancel()
	if err != nil {
		h.replyError(c, err)
		return
	}

	if reply.Type == protocol.TypeError {
		h.tunnelError(c, reply)
		return
	}

	var meta protocol.ReadFileResult
	if err := reply.DecodePayload(&meta); err != nil {
		pr.Cancel()
		c.JSON(http.StatusBadGateway, gin.H{"error": "Bad Gateway", "message": "bad READ_FILE_RES payload"})
		return
	}

	c.Header("Content-Type", "video/mp4")
	c.Header("Accept-Ranges", "bytes")

	if isHead {
		c.Header("Content-Length", strconv.FormatInt(meta.Size, 10))
		c.Status(http.StatusOK)
		pr.Cancel()
		return
	}

	if ranged {
		c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", meta.Start, meta.End, meta.Size))
		c.Header("Content-Length", strconv.FormatInt(meta.Length, 10))
		c.Status(http.StatusPartialContent)
	} else {
		c.Header("Content-Length", strconv.FormatInt(meta.Length, 10))
		c.Status(http.StatusOK)
	}

	h.pumpStream(c, pr)
}

// pumpStream перекачивает чанки запроса в HTTP-ответ в порядке прихода
func (h *Handler) pumpStream(c *gin.Context, pr *tunnel.PendingRequest) {
	clientGone := c.Request.Context().Done()

	writeChunk := func(chunk []byte) bool {
		if _, err := c.Writer.Write(chunk); err != nil {
			pr.Cancel()
			return false
		}
		c.Writer.Flush()
		return true
	}

	for {
		select {
		case chunk, chanOpen := <-pr.Data():
			if !chanOpen {
				return
			}
			if !writeChunk(chunk) {
				return
			}

		case <-pr.Done():
			if pr.Err() == nil {
				// чистый конец потока: дочитываем буферизованный хвост
				for chunk := range pr.Data() {
					if !writeChunk(chunk) {
						return
					}
				}
				return
			}
			// заголовки уже отправлены: обрываем соединение, клиент увидит
			// несовпадение с Content-Length
			h.logger.Warn("Stream aborted mid-flight",
				zap.String("request_id", pr.ID()), zap.Error(pr.Err()))
			return

		case <-clientGone:
			pr.Cancel()
			return
		}
	}
}

// resolveSession находит сессию по path-параметру: сначала как camera id,
// затем как device id (веб-интерфейс адресует записи камерой)
func (h *Handler) resolveSession(c *gin.Context) (*tunnel.Session, bool) {
	id := c.Param("device")

	session := h.registry.GetByCamera(id)
	if session == nil {
		session = h.registry.Get(id)
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found", "message": "device or camera not found"})
		return nil, false
	}
	if session.IsClosed() {
		c.JSON(http.StatusServiceUnavailable,
			gin.H{"error": "Service Unavailable", "message": "device session is closing"})
		return nil, false
	}
	return session, true
}

// replyError превращает ошибку ожидания ответа в HTTP-статус
func (h *Handler) replyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Gateway Timeout", "message": "device did not respond in time"})
	case errors.Is(err, tunnel.ErrDisconnected):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Bad Gateway", "message": "device disconnected"})
	case errors.Is(err, context.Canceled), errors.Is(err, tunnel.ErrCancelled):
		// клиент ушел, отвечать некому
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error", "message": err.Error()})
	}
}

// tunnelError превращает ERROR агента в HTTP-статус
func (h *Handler) tunnelError(c *gin.Context, reply *protocol.Message) {
	var ep protocol.ErrorPayload
	if err := reply.DecodePayload(&ep); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error", "message": "malformed ERROR payload"})
		return
	}
	c.JSON(statusForCode(ep.Code), gin.H{"error": ep.Code, "message": ep.Message})
}

func statusForCode(code string) int {
	switch code {
	case protocol.CodeFileNotFound:
		return http.StatusNotFound
	case protocol.CodePermissionDenied:
		return http.StatusForbidden
	case protocol.CodeInvalidRange:
		return http.StatusRequestedRangeNotSatisfiable
	case protocol.CodeBadFilename:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Bad Request", "message": message})
}

// validFilename отклоняет разделители пути, ".." и NUL
func validFilename(name string) bool {
	if name == "" || name == "." {
		return false
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return true
}

// parseRangeHeader разбирает одиночный байтовый диапазон "bytes=a-b".
// Отсутствующий конец означает до конца файла. Мультидиапазоны, небайтовые
// единицы и суффиксные диапазоны не поддерживаются.
func parseRangeHeader(header string) (int64, *int64, error) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		if strings.Contains(header, "=") {
			return 0, nil, errUnsatisfiableRange
		}
		return 0, nil, errMalformedRange
	}

	if strings.Contains(spec, ",") {
		return 0, nil, errUnsatisfiableRange
	}

	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return 0, nil, errMalformedRange
	}

	if startStr == "" {
		// суффиксный диапазон: размер файла до диспетчеризации неизвестен
		return 0, nil, errUnsatisfiableRange
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, nil, errMalformedRange
	}

	if endStr == "" {
		return start, nil, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return 0, nil, errMalformedRange
	}
	if end < start {
		return 0, nil, errUnsatisfiableRange
	}

	return start, &end, nil
}
