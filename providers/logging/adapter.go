package logging

import (
	"bytes"
	"context"
	"log"
	"log/slog"
	"sync"
)

// Legacy creates a [log.Logger] that logs each line written to it to logger at level.
//
// It is used to capture the output of standard library components such as [net/http.Server.ErrorLog].
func Legacy(logger *slog.Logger, level slog.Level) *log.Logger {
	return log.New(&slogWriter{logger: logger, level: level}, "", 0)
}

type slogWriter struct {
	mu     sync.Mutex
	logger *slog.Logger
	level  slog.Level
	// Incomplete trailing line.
	buffer bytes.Buffer
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buffer.Write(p)
	for {
		data := w.buffer.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		w.logger.Log(context.Background(), w.level, string(data[:i]))
		w.buffer.Next(i + 1)
	}
	return len(p), nil
}
