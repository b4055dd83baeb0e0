// Package startup: подключение к внешним зависимостям при старте процесса с повторами.
// Повторы здесь только про bootstrap; пользовательские записи не повторяются нигде.
package startup

import (
	"os"
	"time"

	"github.com/chatsync/internal/logger"
)

const maxBackoff = 30 * time.Second

// retry вызывает connect, пока он не вернёт nil или не истечёт maxWait (тогда процесс завершается).
func retry(maxWait time.Duration, logPrefix, what string, connect func() error) {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		err := connect()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			logger.Errorf("%s%s (gave up after %v): %v", logPrefix, what, maxWait, err)
			logger.Flush()
			os.Exit(1)
		}
		logger.Errorf("%s%s failed, retry in %v: %v", logPrefix, what, backoff, err)
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
