// Package logging provides the daemon's leveled, structured logger. Every
// line carries an RFC5424-style set of key/value structured-data
// parameters so the same log stream can carry both a human summary and
// machine-parseable fields (program id, interface, revision) without a
// second sink.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "OFF"
	}
}

func LevelFromString(s string) (Level, error) {
	switch s {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	case "OFF", "":
		return OFF, nil
	}
	return OFF, fmt.Errorf("invalid log level %q", s)
}

var ErrNotOpen = errors.New("logger is not open")

// Logger is a minimal leveled writer. It is intentionally small next to
// the daemon's own concerns: one writer, one level, and a KV helper —
// there is no relay fan-out because this daemon has a single local log
// sink, not a distributed set of forwarders.
type Logger struct {
	mtx     sync.Mutex
	wtr     io.Writer
	lvl     Level
	appname string
	hot     bool
}

func New(wtr io.Writer) *Logger {
	return &Logger{wtr: wtr, lvl: INFO, appname: "nsbpfd", hot: true}
}

func NewFile(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0660)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

func (l *Logger) SetLevel(lvl Level) {
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
}

func (l *Logger) SetLevelString(s string) error {
	lvl, err := LevelFromString(s)
	if err != nil {
		return err
	}
	l.SetLevel(lvl)
	return nil
}

func (l *Logger) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.hot = false
	if c, ok := l.wtr.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (l *Logger) output(lvl Level, msg string, sds []rfc5424.SDParam) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot || lvl < l.lvl || lvl == OFF {
		return
	}
	line := fmt.Sprintf("%s %s %s %s", time.Now().UTC().Format(time.RFC3339Nano), lvl, l.appname, msg)
	for _, p := range sds {
		line += fmt.Sprintf(" %s=%q", p.Name, p.Value)
	}
	fmt.Fprintln(l.wtr, line)
	if lvl == FATAL {
		os.Exit(1)
	}
}

func (l *Logger) Debug(msg string, sds ...rfc5424.SDParam) { l.output(DEBUG, msg, sds) }
func (l *Logger) Info(msg string, sds ...rfc5424.SDParam)  { l.output(INFO, msg, sds) }
func (l *Logger) Warn(msg string, sds ...rfc5424.SDParam)  { l.output(WARN, msg, sds) }
func (l *Logger) Error(msg string, sds ...rfc5424.SDParam) { l.output(ERROR, msg, sds) }
func (l *Logger) Fatal(msg string, sds ...rfc5424.SDParam) { l.output(FATAL, msg, sds) }

// KVLogger pins a base set of structured-data parameters (e.g. a request
// id or program id) onto every line logged through it, mirroring a
// request-scoped child logger.
type KVLogger struct {
	*Logger
	sds []rfc5424.SDParam
}

func (l *Logger) With(sds ...rfc5424.SDParam) *KVLogger {
	return &KVLogger{Logger: l, sds: sds}
}

func (kvl *KVLogger) Debug(msg string, sds ...rfc5424.SDParam) {
	kvl.Logger.output(DEBUG, msg, append(append([]rfc5424.SDParam{}, kvl.sds...), sds...))
}
func (kvl *KVLogger) Info(msg string, sds ...rfc5424.SDParam) {
	kvl.Logger.output(INFO, msg, append(append([]rfc5424.SDParam{}, kvl.sds...), sds...))
}
func (kvl *KVLogger) Warn(msg string, sds ...rfc5424.SDParam) {
	kvl.Logger.output(WARN, msg, append(append([]rfc5424.SDParam{}, kvl.sds...), sds...))
}
func (kvl *KVLogger) Error(msg string, sds ...rfc5424.SDParam) {
	kvl.Logger.output(ERROR, msg, append(append([]rfc5424.SDParam{}, kvl.sds...), sds...))
}

func KV(name string, value interface{}) rfc5424.SDParam {
	switch v := value.(type) {
	case string:
		return rfc5424.SDParam{Name: name, Value: v}
	default:
		return rfc5424.SDParam{Name: name, Value: fmt.Sprintf("%v", v)}
	}
}

func KVErr(err error) rfc5424.SDParam { return KV("error", err) }

func NewDiscard() *Logger { return New(io.Discard) }
