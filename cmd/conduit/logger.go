package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kadirpekel/conduit/pkg/config"
	"github.com/kadirpekel/conduit/pkg/logger"
)

const (
	LogFileEnvVar   = "LOG_FILE"
	LogLevelEnvVar  = "LOG_LEVEL"
	LogFormatEnvVar = "LOG_FORMAT"
)

// initLogger applies CLI flags, then environment variables. When neither
// sets anything the config file's logger section is applied after loading.
func (c *CLI) initLogger() error {
	level := firstNonEmpty(c.LogLevel, os.Getenv(LogLevelEnvVar))
	file := firstNonEmpty(c.LogFile, os.Getenv(LogFileEnvVar))
	format := firstNonEmpty(c.LogFormat, os.Getenv(LogFormatEnvVar))
	c.logOverridden = level != "" || file != "" || format != ""

	return c.setupLogger(level, file, format)
}

// applyConfigLogger switches to the config file's logger settings unless
// flags or environment already chose.
func (c *CLI) applyConfigLogger(cfg config.LoggerConfig) error {
	if c.logOverridden {
		return nil
	}
	return c.setupLogger(cfg.Level, cfg.File, cfg.Format)
}

func (c *CLI) setupLogger(levelStr, file, format string) error {
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if format == "" {
		format = logger.FormatSimple
	}

	var output io.Writer = os.Stderr
	if file != "" {
		f, cleanup, err := logger.OpenLogFile(file)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		c.cleanups = append(c.cleanups, cleanup)
	}

	logger.Init(level, output, format)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
