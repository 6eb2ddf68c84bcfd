package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProxyConfig - конфигурация прокси-сервера
type ProxyConfig struct {
	ListenAddr  string   `yaml:"listen_addr"`
	DeviceToken string   `yaml:"device_token"`
	CORSOrigins []string `yaml:"cors_origins"`

	HeartbeatTimeoutS int `yaml:"heartbeat_timeout_s"`
	RequestDeadlineS  int `yaml:"request_deadline_s"`
	ChunkSizeBytes    int `yaml:"chunk_size_bytes"`
	MaxPageSize       int `yaml:"max_page_size"`

	LogLevel string `yaml:"log_level"`
}

// AgentConfig - конфигурация агента устройства
type AgentConfig struct {
	ProxyURL       string   `yaml:"proxy_url"`
	DeviceID       string   `yaml:"device_id"`
	DeviceToken    string   `yaml:"device_token"`
	CameraIDs      []string `yaml:"camera_ids"`
	RecordingsRoot string   `yaml:"recordings_root"`

	HeartbeatTimeoutS int `yaml:"heartbeat_timeout_s"`
	ChunkSizeBytes    int `yaml:"chunk_size_bytes"`
	ReconnectMinS     int `yaml:"reconnect_min_s"`
	ReconnectMaxS     int `yaml:"reconnect_max_s"`

	LogLevel string `yaml:"log_level"`
}

// DefaultProxyConfig возвращает конфигурацию прокси по умолчанию
func DefaultProxyConfig() *ProxyConfig {
	return &ProxyConfig{
		ListenAddr:        "0.0.0.0:8000",
		CORSOrigins:       []string{"http://localhost:5173", "http://localhost:3000"},
		HeartbeatTimeoutS: 30,
		RequestDeadlineS:  30,
		ChunkSizeBytes:    64 * 1024,
		MaxPageSize:       500,
		LogLevel:          "info",
	}
}

// DefaultAgentConfig возвращает конфигурацию агента по умолчанию
func DefaultAgentConfig() *AgentConfig {
	home, _ := os.UserHomeDir()
	return &AgentConfig{
		ProxyURL:          "ws://localhost:8000/api/v1/ws/device",
		RecordingsRoot:    home + "/recordings",
		HeartbeatTimeoutS: 30,
		ChunkSizeBytes:    64 * 1024,
		ReconnectMinS:     1,
		ReconnectMaxS:     60,
		LogLevel:          "info",
	}
}

// LoadProxyConfig читает конфигурацию прокси из YAML-файла поверх значений
// по умолчанию
func LoadProxyConfig(path string) (*ProxyConfig, error) {
	cfg := DefaultProxyConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAgentConfig читает конфигурацию агента из YAML-файла поверх значений
// по умолчанию
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(path string, into interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate проверяет обязательные поля прокси
func (c *ProxyConfig) Validate() error {
	if c.DeviceToken == "" {
		return errors.New("device_token is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.HeartbeatTimeoutS <= 0 || c.RequestDeadlineS <= 0 {
		return errors.New("heartbeat_timeout_s and request_deadline_s must be positive")
	}
	if c.ChunkSizeBytes <= 0 || c.MaxPageSize <= 0 {
		return errors.New("chunk_size_bytes and max_page_size must be positive")
	}
	return nil
}

// Validate проверяет обязательные поля агента
func (c *AgentConfig) Validate() error {
	if c.ProxyURL == "" {
		return errors.New("proxy_url is required")
	}
	if c.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if c.DeviceToken == "" {
		return errors.New("device_token is required")
	}
	if len(c.CameraIDs) == 0 {
		return errors.New("at least one camera_id is required")
	}
	if c.RecordingsRoot == "" {
		return errors.New("recordings_root is required")
	}
	if c.ReconnectMinS <= 0 || c.ReconnectMaxS < c.ReconnectMinS {
		return errors.New("reconnect_min_s/reconnect_max_s are invalid")
	}
	return nil
}

// HeartbeatTimeout возвращает таймаут тишины сессии
func (c *ProxyConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutS) * time.Second
}

// RequestDeadline возвращает дедлайн нестримового запроса
func (c *ProxyConfig) RequestDeadline() time.Duration {
	return time.Duration(c.RequestDeadlineS) * time.Second
}

// HeartbeatTimeout возвращает таймаут тишины сессии
func (c *AgentConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutS) * time.Second
}

// ReconnectMin возвращает нижнюю границу паузы переподключения
func (c *AgentConfig) ReconnectMin() time.Duration {
	return time.Duration(c.ReconnectMinS) * time.Second
}

// ReconnectMax возвращает верхнюю границу паузы переподключения
func (c *AgentConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxS) * time.Second
}
