// Package logger: логирование с префиксом сервиса и асинхронной записью,
// чтобы горячие пути (рассылка чата, фильтр авторизации) не ждали записи в stderr.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

const asyncBufferSize = 8192

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu     sync.RWMutex
	prefix string
	level  = LevelInfo
	out    = log.New(os.Stderr, "", log.LstdFlags)
	ch     chan string
	once   sync.Once
)

// ParseLevel переводит строку LOG_LEVEL в уровень; неизвестное значение: info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func initWorker() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		SetLevel(ParseLevel(v))
	}
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			mu.RLock()
			l := out
			mu.RUnlock()
			l.Print(msg)
		}
	}()
}

func enqueue(lvl Level, tagName, msg string) {
	once.Do(initWorker)
	if !Enabled(lvl) {
		return
	}
	select {
	case ch <- tag() + tagName + msg:
	default:
		// Буфер полон: не блокируем, теряем лог
	}
}

// SetPrefix задаёт префикс для всех последующих логов (например "chat").
func SetPrefix(p string) {
	mu.Lock()
	prefix = p
	mu.Unlock()
}

// SetLevel задаёт минимальный уровень (конфиг вызывает его после загрузки LOG_LEVEL).
func SetLevel(l Level) {
	mu.Lock()
	level = l
	mu.Unlock()
}

// SetOutput перенаправляет вывод (тесты пишут в буфер).
func SetOutput(w io.Writer) {
	mu.Lock()
	out = log.New(w, "", 0)
	mu.Unlock()
}

// Enabled сообщает, будет ли записано сообщение уровня l.
func Enabled(l Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return l >= level
}

func tag() string {
	mu.RLock()
	defer mu.RUnlock()
	if prefix == "" {
		return ""
	}
	return "[" + prefix + "] "
}

func Debugf(format string, v ...any) {
	enqueue(LevelDebug, "DEBUG: ", fmt.Sprintf(format, v...))
}

// Info пишет в log с префиксом (асинхронно).
func Info(v ...any) {
	enqueue(LevelInfo, "", fmt.Sprint(v...))
}

// Infof форматирует и пишет с префиксом (асинхронно).
func Infof(format string, v ...any) {
	enqueue(LevelInfo, "", fmt.Sprintf(format, v...))
}

// Warnf: для ошибок, которые проглатываются (невалидный токен, сбой рассылки присутствия).
func Warnf(format string, v ...any) {
	enqueue(LevelWarn, "WARN: ", fmt.Sprintf(format, v...))
}

// Error пишет ошибку с префиксом (асинхронно).
func Error(v ...any) {
	enqueue(LevelError, "ERROR: ", fmt.Sprint(v...))
}

// Errorf форматирует ошибку с префиксом (асинхронно).
func Errorf(format string, v ...any) {
	enqueue(LevelError, "ERROR: ", fmt.Sprintf(format, v...))
}

// LogDuration логирует имя функции и время выполнения в миллисекундах (асинхронно).
// При уровне info логирует только вызовы дольше 100ms; при debug: все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if Enabled(LevelDebug) || elapsed >= 100*time.Millisecond {
		enqueue(LevelInfo, "", fmt.Sprintf("fn=%s duration_ms=%d", fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("msg.Append", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
