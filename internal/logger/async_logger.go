// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"fmt"
	"io"
	"os"
)

// AsyncLogger decouples callers from the latency of the underlying
// writer (typically a lumberjack.Logger doing rotation/fsync) by handing
// writes to a single background goroutine over a bounded channel. A full
// buffer drops the message rather than blocking the caller.
type AsyncLogger struct {
	w    io.Writer
	msgs chan []byte
	done chan struct{}
}

// NewAsyncLogger starts the writer goroutine immediately; callers must
// call Close to flush and release it.
func NewAsyncLogger(w io.Writer, bufferSize int) *AsyncLogger {
	l := &AsyncLogger{
		w:    w,
		msgs: make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *AsyncLogger) run() {
	defer close(l.done)
	for msg := range l.msgs {
		l.w.Write(msg)
	}
}

// Write copies p (the caller's buffer is not safe to retain past return)
// and enqueues it, dropping the message if the buffer is full.
func (l *AsyncLogger) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case l.msgs <- buf:
	default:
		fmt.Fprintln(os.Stderr, "asynclogger: log buffer is full, dropping message.")
	}
	return len(p), nil
}

// Close drains the queue, waits for the writer goroutine to exit, and
// closes the underlying writer if it supports it.
func (l *AsyncLogger) Close() error {
	close(l.msgs)
	<-l.done

	if c, ok := l.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
