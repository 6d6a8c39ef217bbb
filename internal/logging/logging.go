// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Setup applies the configured level and format to the standard logger.
// format is "json" or "text".
func Setup(level, format string) error {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	log.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "console":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}
