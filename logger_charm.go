//go:build !tinygo

package loralink

import (
	"os"

	"github.com/charmbracelet/log"
)

func init() {
	globalLogger = &charmLogger{l: log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "loralink",
	})}
}

// charmLogger backs the hosted-build default Logger with
// github.com/charmbracelet/log, giving leveled, structured, colorized
// (when attached to a terminal) output.
type charmLogger struct {
	l *log.Logger
}

func (c *charmLogger) Debug(msg string, kv ...any) { c.l.Debug(msg, kv...) }
func (c *charmLogger) Info(msg string, kv ...any)  { c.l.Info(msg, kv...) }
func (c *charmLogger) Warn(msg string, kv ...any)  { c.l.Warn(msg, kv...) }
func (c *charmLogger) Error(msg string, kv ...any) { c.l.Error(msg, kv...) }
