// Package logger は zerolog を使ったプロセス共通のロガーを提供します。
package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type loggerKey struct{}

func init() {
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}
}

// New は app 名と pid を付与したロガーを作成します。
// level は debug / info / warn / error のいずれか（不正値は info）。
func New(app, level string) zerolog.Logger {
	return NewWithWriter(os.Stderr, app, level)
}

// NewWithWriter は出力先を指定してロガーを作成します。
func NewWithWriter(w io.Writer, app, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Str("app", app).
		Int("pid", os.Getpid()).
		Logger()
}

// Console は CLI 向けに人が読みやすい形式のロガーを作成します。
func Console(app, level string) zerolog.Logger {
	return NewWithWriter(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}, app, level)
}

// ParseLevel は文字列からログレベルを解釈します。
func ParseLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}

// SetGlobal はパッケージ log のグローバルロガーを差し替えます。
func SetGlobal(l zerolog.Logger) {
	log.Logger = l
}

// Ctx はコンテキストに紐づくロガーを返します。未設定ならグローバルロガー。
func Ctx(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*zerolog.Logger); ok && l != nil {
			return l
		}
	}
	return &log.Logger
}

// WithLogger はロガーをコンテキストに格納します。
func WithLogger(ctx context.Context, l *zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}
