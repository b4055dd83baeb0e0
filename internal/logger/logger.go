// Package logger предоставляет логирование с префиксом сервиса и асинхронной записью,
// чтобы операции со стором и сетевые pump-горутины не блокировались на выводе.
// Поддерживается логирование времени выполнения функций.
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

const (
	asyncBufferSize = 8192
	slowThreshold   = 100 * time.Millisecond
)

type level int

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
)

var (
	mu       sync.RWMutex
	prefix   string
	logLevel = levelInfo
	out      = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

	ch      chan string
	flushCh chan chan struct{}
	once    sync.Once
)

func parseLevel(s string) level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func initWorker() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		logLevel = parseLevel(v)
	}
	ch = make(chan string, asyncBufferSize)
	flushCh = make(chan chan struct{})
	go func() {
		for {
			select {
			case msg := <-ch:
				write(msg)
			case done := <-flushCh:
				// Дочитываем всё, что уже в буфере, и отпускаем вызывающего.
				for {
					select {
					case msg := <-ch:
						write(msg)
						continue
					default:
					}
					break
				}
				close(done)
			}
		}
	}()
}

func write(msg string) {
	mu.RLock()
	l := out
	mu.RUnlock()
	l.Print(msg)
}

func enabled(lv level) bool {
	once.Do(initWorker)
	mu.RLock()
	defer mu.RUnlock()
	return lv >= logLevel
}

func enqueue(msg string) {
	once.Do(initWorker)
	select {
	case ch <- msg:
	default:
		// Буфер полон: не блокируем, теряем лог
	}
}

// SetPrefix задаёт префикс для всех последующих логов (например "realtime", "push").
func SetPrefix(p string) {
	mu.Lock()
	prefix = p
	mu.Unlock()
}

// SetLevel переопределяет уровень из LOG_LEVEL (значения как в конфиге: debug, info, warn, error).
func SetLevel(s string) {
	once.Do(initWorker)
	mu.Lock()
	logLevel = parseLevel(s)
	mu.Unlock()
}

// SetOutput перенаправляет вывод (тесты, файл). nil возвращает stderr.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	out = log.New(w, "", log.LstdFlags|log.Lmicroseconds)
	mu.Unlock()
}

// Flush ждёт, пока воркер запишет всё, что было поставлено в очередь до вызова.
func Flush() {
	once.Do(initWorker)
	done := make(chan struct{})
	flushCh <- done
	<-done
}

func tag() string {
	mu.RLock()
	defer mu.RUnlock()
	if prefix == "" {
		return ""
	}
	return "[" + prefix + "] "
}

// Debugf пишет только при LOG_LEVEL=debug.
func Debugf(format string, v ...any) {
	if !enabled(levelDebug) {
		return
	}
	enqueue(tag() + "DEBUG: " + fmt.Sprintf(format, v...))
}

// Info пишет в log с префиксом (асинхронно).
func Info(v ...any) {
	if !enabled(levelInfo) {
		return
	}
	enqueue(tag() + fmt.Sprint(v...))
}

// Infof форматирует и пишет с префиксом (асинхронно).
func Infof(format string, v ...any) {
	if !enabled(levelInfo) {
		return
	}
	enqueue(tag() + fmt.Sprintf(format, v...))
}

// Warnf: некритичные сбои, которые компонент проглатывает (подписка упала, точечный апдейт не прошёл).
func Warnf(format string, v ...any) {
	if !enabled(levelWarn) {
		return
	}
	enqueue(tag() + "WARN: " + fmt.Sprintf(format, v...))
}

// Error пишет ошибку с префиксом (асинхронно).
func Error(v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprint(v...))
}

// Errorf форматирует ошибку с префиксом (асинхронно).
func Errorf(format string, v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprintf(format, v...))
}

// LogDuration логирует имя функции и время выполнения в миллисекундах (асинхронно).
// При LOG_LEVEL=info логирует только вызовы дольше 100ms; при LOG_LEVEL=debug — все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if enabled(levelDebug) || elapsed >= slowThreshold {
		enqueue(fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("tree.Set", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
