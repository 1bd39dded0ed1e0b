// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/config"
)

// Setup applies level and format from cfg to the standard logger
func Setup(cfg config.LogConfig, out io.Writer) error {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	log.SetLevel(lvl)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("log.format: unknown format %q (want text or json)", cfg.Format)
	}

	if out != nil {
		log.SetOutput(out)
	}
	return nil
}

// Component returns a logger entry tagged with the component name
func Component(name string) *log.Entry {
	return log.WithField("component", name)
}
