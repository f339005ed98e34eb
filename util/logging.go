package util

import (
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// NewLogger builds the root logger. Unknown levels fall back to info.
func NewLogger(level string, w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	logger := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	log.SetDefault(logger)
	return logger
}
