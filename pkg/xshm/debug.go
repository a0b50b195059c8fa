/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package xshm

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

type logger struct {
	name      string
	callDepth int
}

var (
	internalLogger = &logger{"", 3}
	protocolLogger = &logger{"protocol trace", 3}
	level          atomic.Int32

	// logMu serializes writes and guards logOut, shared by both loggers.
	logMu  sync.Mutex
	logOut io.Writer = os.Stdout

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

func init() {
	level.Store(LevelWarn)
	if os.Getenv("XSHM_LOG_LEVEL") != "" {
		if n, err := strconv.Atoi(os.Getenv("XSHM_LOG_LEVEL")); err == nil {
			if n >= LevelTrace && n <= LevelNoPrint {
				level.Store(int32(n))
			}
		}
	}
}

// SetLogLevel changes the internal logger's level. The default level is
// Warn; the process env `XSHM_LOG_LEVEL` also sets it.
func SetLogLevel(l int) {
	if l >= LevelTrace && l <= LevelNoPrint {
		level.Store(int32(l))
	}
}

// SetLogOutput redirects both internal loggers. A nil writer restores stdout.
// It is safe to call while other goroutines log.
func SetLogOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	logMu.Lock()
	logOut = w
	logMu.Unlock()
}

func enabled(l int) bool {
	return int(level.Load()) <= l
}

func (l *logger) logf(lv int, format string, a ...interface{}) {
	if !enabled(lv) {
		return
	}
	line := fmt.Sprintf(l.prefix(lv)+format+reset+"\n", a...)
	logMu.Lock()
	_, err := io.WriteString(logOut, line)
	logMu.Unlock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger %s failed: %v\n", levelName[lv], err)
	}
}

func (l *logger) errorf(format string, a ...interface{}) {
	l.logf(LevelError, format, a...)
}

func (l *logger) warnf(format string, a ...interface{}) {
	l.logf(LevelWarn, format, a...)
}

func (l *logger) infof(format string, a ...interface{}) {
	l.logf(LevelInfo, format, a...)
}

func (l *logger) debugf(format string, a ...interface{}) {
	l.logf(LevelDebug, format, a...)
}

func (l *logger) tracef(format string, a ...interface{}) {
	l.logf(LevelTrace, format, a...)
}

func (l *logger) prefix(level int) string {
	var buffer [64]byte
	buf := bytes.NewBuffer(buffer[:0])
	_, _ = buf.WriteString(colors[level])
	_, _ = buf.WriteString(levelName[level])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	if l.name != "" {
		_, _ = buf.WriteString(l.name)
		_ = buf.WriteByte(' ')
	}
	return buf.String()
}

func (l *logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth + 1)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}
