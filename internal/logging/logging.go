// Package logging configures the process-wide logrus logger: nested
// console formatting and an optional rotating file sink.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log level and, when File is set, a rotating log
// file next to the console output.
type Config struct {
	Level string
	File  string
}

var once sync.Once

// Setup applies the config to the standard logrus logger. Safe to call
// more than once; only the first call takes effect.
func Setup(cfg Config) error {
	var err error
	once.Do(func() {
		level := logrus.InfoLevel
		if cfg.Level != "" {
			level, err = logrus.ParseLevel(cfg.Level)
			if err != nil {
				err = fmt.Errorf("logging: %w", err)
				return
			}
		}
		logrus.SetLevel(level)

		logrus.SetFormatter(&formatter.Formatter{
			TimestampFormat: "02 Jan 06 - 15:04:05",
			HideKeys:        false,
			NoColors:        false,
		})

		writers := []io.Writer{os.Stderr}
		if cfg.File != "" {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.File,
				LocalTime:  true,
				Compress:   true,
				MaxSize:    100,
				MaxAge:     7,
				MaxBackups: 3,
			})
		}
		logrus.SetOutput(io.MultiWriter(writers...))
	})
	return err
}
