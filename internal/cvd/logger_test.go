// ABOUTME: Test helper constructing a text slog.Logger over a writer
// ABOUTME: Keeps advisory-output assertions free of JSON noise

package cvd_test

import (
	"io"
	"log/slog"
)

func newTextLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
