package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cams-connector/internal/agent"
	"cams-connector/internal/config"
	"cams-connector/internal/protocol"
)

const (
	testToken    = "test-secret"
	testVideo    = "20231123_14:30.mp4"
	testVideoLen = 10240
)

type testStack struct {
	baseURL  string
	registry *Registry
}

// startTestStack поднимает настоящий прокси и настоящего агента поверх него:
// запросы проходят полный путь HTTP -> туннель -> файловая система
func startTestStack(t *testing.T) *testStack {
	t.Helper()

	root := t.TempDir()
	writeFixture(t, root, "cam1", testVideo, videoBytes(testVideoLen))
	writeFixture(t, root, "cam1", "20231123_09:15.mp4", videoBytes(100))
	writeFixture(t, root, "cam1", "20231124_10:00.mp4", videoBytes(100))

	logger := zaptest.NewLogger(t)

	cfg := config.DefaultProxyConfig()
	cfg.DeviceToken = testToken
	cfg.RequestDeadlineS = 5

	registry := NewRegistry(logger)
	hub := NewHub(cfg, registry, logger)
	handler := NewHandler(cfg, registry, logger)
	router := NewRouter(cfg, handler, hub, logger)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	agentCfg := &config.AgentConfig{
		ProxyURL:          "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/device",
		DeviceID:          "pi-a",
		DeviceToken:       testToken,
		CameraIDs:         []string{"cam1"},
		RecordingsRoot:    root,
		HeartbeatTimeoutS: 30,
		ChunkSizeBytes:    4096,
		ReconnectMinS:     1,
		ReconnectMaxS:     2,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go agent.New(agentCfg, logger).Run(ctx)

	require.Eventually(t, func() bool { return registry.Count() == 1 },
		5*time.Second, 20*time.Millisecond, "agent never registered")

	return &testStack{baseURL: srv.URL, registry: registry}
}

func writeFixture(t *testing.T, root, camera, name string, data []byte) {
	t.Helper()
	dir := filepath.Join(root, camera, "merged")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func videoBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func (ts *testStack) get(t *testing.T, path string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.baseURL+path, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthAndCameras(t *testing.T) {
	stack := startTestStack(t)

	resp := stack.get(t, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status           string `json:"status"`
		ConnectedDevices int    `json:"connected_devices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.ConnectedDevices)

	resp = stack.get(t, "/api/v1/cameras", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var cameras struct {
		Cameras []CameraInfo `json:"cameras"`
		Total   int          `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cameras))
	require.Equal(t, 1, cameras.Total)
	assert.Equal(t, CameraInfo{DeviceID: "pi-a", CameraID: "cam1"}, cameras.Cameras[0])
}

func TestStreamFullFile(t *testing.T) {
	stack := startTestStack(t)

	resp := stack.get(t, "/api/v1/devices/cam1/videos/"+testVideo, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, fmt.Sprint(testVideoLen), resp.Header.Get("Content-Length"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, videoBytes(testVideoLen), body)
}

func TestStreamRange(t *testing.T) {
	stack := startTestStack(t)

	resp := stack.get(t, "/api/v1/devices/cam1/videos/"+testVideo,
		map[string]string{"Range": "bytes=1024-2047"})
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("bytes 1024-2047/%d", testVideoLen), resp.Header.Get("Content-Range"))
	assert.Equal(t, "1024", resp.Header.Get("Content-Length"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, videoBytes(testVideoLen)[1024:2048], body)
}

func TestStreamOpenEndedRange(t *testing.T) {
	stack := startTestStack(t)

	resp := stack.get(t, "/api/v1/devices/cam1/videos/"+testVideo,
		map[string]string{"Range": "bytes=10000-"})
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("bytes 10000-%d/%d", testVideoLen-1, testVideoLen),
		resp.Header.Get("Content-Range"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, videoBytes(testVideoLen)[10000:], body)
}

func TestHeadReturnsSizeWithoutBody(t *testing.T) {
	stack := startTestStack(t)

	resp, err := http.Head(stack.baseURL + "/api/v1/devices/cam1/videos/" + testVideo)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, fmt.Sprint(testVideoLen), resp.Header.Get("Content-Length"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestStreamFileNotFound(t *testing.T) {
	stack := startTestStack(t)

	resp := stack.get(t, "/api/v1/devices/cam1/videos/nope.mp4", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamBadFilename(t *testing.T) {
	stack := startTestStack(t)

	for _, name := range []string{"a..b.mp4", "evil..mp4"} {
		resp := stack.get(t, "/api/v1/devices/cam1/videos/"+name, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "filename %q", name)
	}
}

func TestUnknownDeviceOrCamera(t *testing.T) {
	stack := startTestStack(t)

	resp := stack.get(t, "/api/v1/devices/cam9/videos", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = stack.get(t, "/api/v1/devices/cam9/videos/"+testVideo, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListVideos(t *testing.T) {
	stack := startTestStack(t)

	resp := stack.get(t, "/api/v1/devices/cam1/videos", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result protocol.ListVideosResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, 3, result.Total)
	// сортировка по времени по убыванию
	assert.Equal(t, "20231124_10:00.mp4", result.Videos[0].Filename)
	assert.Equal(t, testVideo, result.Videos[1].Filename)
	assert.Equal(t, "20231123_09:15.mp4", result.Videos[2].Filename)
}

func TestListVideosWithFilters(t *testing.T) {
	stack := startTestStack(t)

	resp := stack.get(t, "/api/v1/devices/cam1/videos?date=20231123&hour=14", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result protocol.ListVideosResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, 1, result.Total)
	assert.Equal(t, testVideo, result.Videos[0].Filename)
}

func TestListVideosParamValidation(t *testing.T) {
	stack := startTestStack(t)

	cases := []string{
		"?date=2023-11-23",
		"?hour=24",
		"?hour=abc",
		"?page=0",
		"?page_size=0",
		"?page_size=9999",
	}
	for _, query := range cases {
		resp := stack.get(t, "/api/v1/devices/cam1/videos"+query, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "query %q", query)
	}
}

func TestRangeErrorResponses(t *testing.T) {
	stack := startTestStack(t)

	cases := []struct {
		header string
		status int
	}{
		{"bytes=5-2", http.StatusRequestedRangeNotSatisfiable},
		{"bytes=0-1,5-6", http.StatusRequestedRangeNotSatisfiable},
		{"bytes=-500", http.StatusRequestedRangeNotSatisfiable},
		{"items=0-1", http.StatusRequestedRangeNotSatisfiable},
		{"bytes=x-y", http.StatusBadRequest},
		{"garbage", http.StatusBadRequest},
		// конец за пределами файла отклоняет уже агент
		{"bytes=0-99999", http.StatusRequestedRangeNotSatisfiable},
	}
	for _, tc := range cases {
		resp := stack.get(t, "/api/v1/devices/cam1/videos/"+testVideo,
			map[string]string{"Range": tc.header})
		assert.Equal(t, tc.status, resp.StatusCode, "header %q", tc.header)
	}
}

func TestConcurrentRangeReads(t *testing.T) {
	stack := startTestStack(t)
	full := videoBytes(testVideoLen)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			start := int64(i) * 200
			end := start + 199
			req, err := http.NewRequest(http.MethodGet,
				stack.baseURL+"/api/v1/devices/cam1/videos/"+testVideo, nil)
			if err != nil {
				t.Error(err)
				return
			}
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Error(err)
				return
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusPartialContent {
				t.Errorf("range %d-%d: status %d", start, end, resp.StatusCode)
				return
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Error(err)
				return
			}
			if string(body) != string(full[start:end+1]) {
				t.Errorf("range %d-%d: body mismatch, got %d bytes", start, end, len(body))
			}
		}(i)
	}
	wg.Wait()
}

func TestParseRangeHeader(t *testing.T) {
	cases := []struct {
		header  string
		start   int64
		end     int64
		toEOF   bool
		wantErr error
	}{
		{header: "bytes=0-499", start: 0, end: 499},
		{header: "bytes=500-", start: 500, toEOF: true},
		{header: "bytes=500-499", wantErr: errUnsatisfiableRange},
		{header: "bytes=-500", wantErr: errUnsatisfiableRange},
		{header: "bytes=0-1,5-6", wantErr: errUnsatisfiableRange},
		{header: "items=0-1", wantErr: errUnsatisfiableRange},
		{header: "bytes=abc-def", wantErr: errMalformedRange},
		{header: "bytes=12", wantErr: errMalformedRange},
		{header: "garbage", wantErr: errMalformedRange},
	}

	for _, tc := range cases {
		start, end, err := parseRangeHeader(tc.header)
		if tc.wantErr != nil {
			assert.ErrorIs(t, err, tc.wantErr, "header %q", tc.header)
			continue
		}
		require.NoError(t, err, "header %q", tc.header)
		assert.Equal(t, tc.start, start, "header %q", tc.header)
		if tc.toEOF {
			assert.Nil(t, end, "header %q", tc.header)
		} else {
			require.NotNil(t, end, "header %q", tc.header)
			assert.Equal(t, tc.end, *end, "header %q", tc.header)
		}
	}
}

func TestValidFilename(t *testing.T) {
	valid := []string{"20231123_14:30.mp4", "clip.mp4", "a b.mp4"}
	invalid := []string{"", ".", "..", "a/b.mp4", "a\\b.mp4", "a..b.mp4", "a\x00b.mp4"}

	for _, name := range valid {
		assert.True(t, validFilename(name), "filename %q", name)
	}
	for _, name := range invalid {
		assert.False(t, validFilename(name), "filename %q", name)
	}
}
