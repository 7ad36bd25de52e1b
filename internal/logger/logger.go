package logger

import (
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// New builds the process logger. format "json" switches to JSON lines.
func New(name, level, format string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(level),
		JSONFormat: strings.EqualFold(format, "json"),
		Output:     os.Stderr,
	})
}
