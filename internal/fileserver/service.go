package fileserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/model"
)

var (
	ErrTypeNotAllowed  = errors.New("file type not allowed")
	ErrContentMismatch = errors.New("file content does not match type")
	ErrTooLarge        = errors.New("file too large")
	ErrNotFound        = errors.New("file not found")
)

type fileKind struct {
	mime string
	typ  model.MessageType
}

// allowed: в чат можно загрузить только изображения и аудио.
var allowed = map[string]fileKind{
	".jpg":  {"image/jpeg", model.MessageImage},
	".jpeg": {"image/jpeg", model.MessageImage},
	".png":  {"image/png", model.MessageImage},
	".gif":  {"image/gif", model.MessageImage},
	".webp": {"image/webp", model.MessageImage},
	".mp3":  {"audio/mpeg", model.MessageAudio},
	".ogg":  {"audio/ogg", model.MessageAudio},
	".oga":  {"audio/ogg", model.MessageAudio},
	".wav":  {"audio/wav", model.MessageAudio},
	".webm": {"audio/webm", model.MessageAudio},
	".m4a":  {"audio/mp4", model.MessageAudio},
}

// extByMIME: для голосовых из браузера, у которых имя файла бывает без расширения.
var extByMIME = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"audio/mpeg": ".mp3",
	"audio/ogg":  ".ogg",
	"audio/wav":  ".wav",
	"audio/webm": ".webm",
	"audio/mp4":  ".m4a",
}

// Saved описывает сохранённый файл.
type Saved struct {
	Name        string
	DisplayName string
	MIME        string
	Size        int64
	Type        model.MessageType
}

// Service сохраняет и отдаёт вложения чата.
type Service struct {
	UploadDir     string
	MaxUploadSize int64
}

// New создаёт сервис с заданным каталогом и лимитом размера (в байтах).
func New(uploadDir string, maxUploadSize int64) *Service {
	return &Service{UploadDir: uploadDir, MaxUploadSize: maxUploadSize}
}

// LimitText: лимит в человекочитаемом виде для сообщений об ошибках.
func (s *Service) LimitText() string {
	return humanize.IBytes(uint64(s.MaxUploadSize))
}

// AllowedMIME: список разрешённых типов для клиента.
func AllowedMIME() []string {
	out := make([]string, 0, len(extByMIME))
	for m := range extByMIME {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// classify определяет расширение и тип сообщения по имени, а если расширения нет: по заявленному MIME.
func classify(filename, declaredMIME string) (string, fileKind, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if k, ok := allowed[ext]; ok {
		return ext, k, nil
	}
	mime := strings.ToLower(strings.TrimSpace(strings.Split(declaredMIME, ";")[0]))
	if e, ok := extByMIME[mime]; ok {
		return e, allowed[e], nil
	}
	return "", fileKind{}, ErrTypeNotAllowed
}

// Save проверяет тип и сигнатуру и пишет файл под случайным именем.
func (s *Service) Save(ctx context.Context, filename, declaredMIME string, size int64, src io.Reader) (*Saved, error) {
	defer logger.DeferLogDuration("files.Save", time.Now())()
	if size > s.MaxUploadSize {
		return nil, fmt.Errorf("%w: limit %s", ErrTooLarge, s.LimitText())
	}
	// В ряде клиентов/прокси пробел в имени кодируется как "+"; нормализуем для отображения и расширения.
	rawFilename := strings.ReplaceAll(filename, "+", " ")
	ext, kind, err := classify(rawFilename, declaredMIME)
	if err != nil {
		return nil, err
	}

	head := make([]byte, 512)
	n, _ := io.ReadAtLeast(src, head, len(head))
	head = head[:n]
	if !matchMagic(ext, head) {
		return nil, ErrContentMismatch
	}

	if err := os.MkdirAll(s.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("files.Save mkdir: %w", err)
	}
	newName := uuid.New().String() + ext
	dstPath := filepath.Join(s.UploadDir, newName)
	dst, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("files.Save create: %w", err)
	}
	written, err := copyWithContext(ctx, dst, io.MultiReader(bytes.NewReader(head), src), s.MaxUploadSize)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dstPath)
		return nil, err
	}

	// Имя для отображения: только базовая часть без пути, безопасные символы; иначе: сгенерированное
	displayName := safeFilename(filepath.Base(rawFilename))
	if displayName == "" || displayName == "." {
		displayName = newName
	}
	return &Saved{Name: newName, DisplayName: displayName, MIME: kind.mime, Size: written, Type: kind.typ}, nil
}

// Open открывает сохранённый файл; имя приводится к базовому, чтобы не выйти из каталога.
func (s *Service) Open(name string) (*os.File, string, error) {
	name = filepath.Base(name)
	ext := strings.ToLower(filepath.Ext(name))
	kind, ok := allowed[ext]
	if !ok || name == "." || name == string(filepath.Separator) {
		return nil, "", ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.UploadDir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("files.Open: %w", err)
	}
	return f, kind.mime, nil
}

func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".wav":
		return len(head) >= 12 && bytes.Equal(head[:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE"))
	case ".ogg", ".oga":
		return len(head) >= 4 && bytes.Equal(head[:4], []byte("OggS"))
	case ".webm":
		return len(head) >= 4 && bytes.Equal(head[:4], []byte{0x1A, 0x45, 0xDF, 0xA3})
	case ".m4a":
		return len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp"))
	case ".mp3":
		return len(head) >= 3 && (bytes.Equal(head[:3], []byte("ID3")) || (head[0] == 0xFF && head[1]&0xE0 == 0xE0))
	}
	return false
}

// safeFilename оставляет имя файла безопасным для Content-Disposition (без управляющих символов и кавычек).
// Поддерживается UTF-8, чтобы сохранять кириллицу и другие языки.
func safeFilename(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// copyWithContext копирует, пока не кончится src, не отменится ctx или не будет превышен limit.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader, limit int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, fmt.Errorf("upload cancelled: %w", ctx.Err())
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > limit {
				return total, ErrTooLarge
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("write: %w", err)
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("read: %w", readErr)
		}
	}
}
