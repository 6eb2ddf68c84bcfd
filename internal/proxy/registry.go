package proxy

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"cams-connector/internal/tunnel"
)

// CameraInfo - одна камера в плоском списке по всем устройствам
type CameraInfo struct {
	DeviceID string `json:"device_id"`
	CameraID string `json:"camera_id"`
}

// Registry управляет живыми сессиями устройств: не более одной сессии
// на device id; новая аутентифицированная сессия вытесняет старую.
type Registry struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	devices map[string]*tunnel.Session
}

// NewRegistry создает пустой реестр
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger,
		devices: make(map[string]*tunnel.Session),
	}
}

// Register ставит сессию в реестр; прежняя сессия того же устройства
// закрывается с причиной superseded
func (r *Registry) Register(deviceID string, session *tunnel.Session) {
	r.mu.Lock()
	old := r.devices[deviceID]
	r.devices[deviceID] = session
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("Device session superseded", zap.String("device_id", deviceID))
		old.Close(tunnel.ReasonSuperseded)
	}

	r.logger.Info("Device registered",
		zap.String("device_id", deviceID),
		zap.Strings("cameras", session.Cameras()))
}

// Deregister убирает сессию из реестра, только если там стоит именно она.
// Защищает от гонки устаревшей дерегистрации с повторной регистрацией.
func (r *Registry) Deregister(deviceID string, session *tunnel.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.devices[deviceID] == session {
		delete(r.devices, deviceID)
		r.logger.Info("Device deregistered", zap.String("device_id", deviceID))
	}
}

// Get возвращает сессию по device id
func (r *Registry) Get(deviceID string) *tunnel.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[deviceID]
}

// GetByCamera возвращает сессию устройства, владеющего камерой
func (r *Registry) GetByCamera(cameraID string) *tunnel.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, session := range r.devices {
		for _, cam := range session.Cameras() {
			if cam == cameraID {
				return session
			}
		}
	}
	return nil
}

// Cameras возвращает все камеры всех живых сессий
func (r *Registry) Cameras() []CameraInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cameras := make([]CameraInfo, 0)
	for deviceID, session := range r.devices {
		for _, cam := range session.Cameras() {
			cameras = append(cameras, CameraInfo{DeviceID: deviceID, CameraID: cam})
		}
	}

	sort.Slice(cameras, func(i, j int) bool {
		if cameras[i].DeviceID != cameras[j].DeviceID {
			return cameras[i].DeviceID < cameras[j].DeviceID
		}
		return cameras[i].CameraID < cameras[j].CameraID
	})
	return cameras
}

// Count возвращает число подключенных устройств
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// CloseAll закрывает все сессии при остановке прокси
func (r *Registry) CloseAll(reason tunnel.CloseReason) {
	r.mu.Lock()
	sessions := make([]*tunnel.Session, 0, len(r.devices))
	for id, session := range r.devices {
		sessions = append(sessions, session)
		delete(r.devices, id)
	}
	r.mu.Unlock()

	for _, session := range sessions {
		session.Close(reason)
	}
}
