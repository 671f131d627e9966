package log

import (
	"context"
	stdlog "log"
	"strings"
)

// NewStdLogger adapts l for APIs that only accept a *log.Logger, such as
// http.Server.ErrorLog. Each line becomes a warn record with msg as the message.
func NewStdLogger(l Logger, msg string) *stdlog.Logger {
	if l == nil {
		l = Nop()
	}
	return stdlog.New(stdWriter{l: l, msg: msg}, "", 0)
}

type stdWriter struct {
	l   Logger
	msg string
}

func (w stdWriter) Write(p []byte) (int, error) {
	w.l.Warn(context.Background(), w.msg, "detail", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
