package agent

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"cams-connector/internal/protocol"
)

var (
	// ErrNotFound - файл или камера не существуют
	ErrNotFound = errors.New("file not found")
	// ErrBadFilename - имя содержит разделители пути, ".." или NUL
	ErrBadFilename = errors.New("invalid filename")
	// ErrBadRange - запрошенный диапазон выходит за пределы файла
	ErrBadRange = errors.New("invalid byte range")
)

// Формат времени в имени записи: YYYYMMDD_HH:MM.mp4
const timestampLayout = "20060102_15:04"

const defaultPageSize = 60

// ListQuery - фильтры и пагинация списка видео
type ListQuery struct {
	Date     string
	Hour     *int
	Page     int
	PageSize int
}

// FileStore отдает записи камер из каталога
// <root>/<camera>/merged/YYYYMMDD_HH:MM.mp4
type FileStore struct {
	root   string
	logger *zap.Logger
}

// NewFileStore создает хранилище записей
func NewFileStore(root string, logger *zap.Logger) *FileStore {
	return &FileStore{root: root, logger: logger}
}

// ListVideos возвращает страницу списка видео камеры, отсортированную
// по времени по убыванию
func (s *FileStore) ListVideos(camera string, q ListQuery) (*protocol.ListVideosResult, error) {
	if !safeName(camera) {
		return nil, fmt.Errorf("%w: %q", ErrBadFilename, camera)
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = defaultPageSize
	}

	dir := filepath.Join(s.root, camera, "merged")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("Camera directory does not exist", zap.String("dir", dir))
		return emptyResult(q), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	videos := make([]protocol.VideoInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".mp4") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		filtered := q.Date != "" || q.Hour != nil

		ts, err := time.Parse(timestampLayout, strings.TrimSuffix(entry.Name(), ".mp4"))
		if err != nil {
			// нестандартное имя: берем mtime, но под фильтры не подставляем
			if filtered {
				continue
			}
			ts = info.ModTime().UTC()
		} else {
			if q.Date != "" && ts.Format("20060102") != q.Date {
				continue
			}
			if q.Hour != nil && ts.Hour() != *q.Hour {
				continue
			}
		}

		videos = append(videos, protocol.VideoInfo{
			Filename:  entry.Name(),
			Size:      info.Size(),
			Timestamp: ts.UTC().Format(time.RFC3339),
			Camera:    camera,
		})
	}

	sort.Slice(videos, func(i, j int) bool {
		return videos[i].Timestamp > videos[j].Timestamp
	})

	total := len(videos)
	totalPages := (total + q.PageSize - 1) / q.PageSize

	startIdx := (q.Page - 1) * q.PageSize
	endIdx := startIdx + q.PageSize
	if startIdx > total {
		startIdx = total
	}
	if endIdx > total {
		endIdx = total
	}

	return &protocol.ListVideosResult{
		Videos:     videos[startIdx:endIdx],
		Total:      total,
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalPages: totalPages,
	}, nil
}

// OpenRange открывает файл на чтение диапазона [start, end] включительно;
// end == nil означает до конца файла
func (s *FileStore) OpenRange(camera, filename string, start int64, end *int64) (io.ReadCloser, *protocol.ReadFileResult, error) {
	if !safeName(camera) || !safeName(filename) {
		return nil, nil, fmt.Errorf("%w: %q/%q", ErrBadFilename, camera, filename)
	}

	path := filepath.Join(s.root, camera, "merged", filename)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	if err != nil {
		return nil, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	size := info.Size()

	actualEnd := size - 1
	if end != nil {
		actualEnd = *end
	}
	if start < 0 || actualEnd >= size || start > actualEnd {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %d-%d of %d bytes", ErrBadRange, start, actualEnd, size)
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, err
	}

	length := actualEnd - start + 1
	meta := &protocol.ReadFileResult{
		Size:   size,
		Start:  start,
		End:    actualEnd,
		Length: length,
	}
	return &rangeReader{Reader: io.LimitReader(f, length), file: f}, meta, nil
}

type rangeReader struct {
	io.Reader
	file *os.File
}

func (r *rangeReader) Close() error { return r.file.Close() }

func emptyResult(q ListQuery) *protocol.ListVideosResult {
	return &protocol.ListVideosResult{
		Videos:   []protocol.VideoInfo{},
		Page:     q.Page,
		PageSize: q.PageSize,
	}
}

// safeName отклоняет пустые имена, разделители пути, ".." и NUL
func safeName(name string) bool {
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
