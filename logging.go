package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// logFileName substitutes {date} so daemons get one log file per day.
func logFileName(pattern string, now time.Time) string {
	return strings.ReplaceAll(pattern, "{date}", now.Format("20060102"))
}

// ConfigureLogging applies the level, formatter and optional file sink.
// The returned closer is nil when no file was opened.
func ConfigureLogging(appConfig AppConfig, now time.Time) (io.Closer, error) {
	level, levelErr := log.ParseLevel(appConfig.LogLevel)
	if levelErr != nil {
		return nil, levelErr
	}
	log.SetLevel(level)

	if appConfig.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if appConfig.LogFile == "" {
		log.SetOutput(os.Stderr)
		return nil, nil
	}

	name := logFileName(appConfig.LogFile, now)
	if mkdirErr := os.MkdirAll(filepath.Dir(name), 0o755); mkdirErr != nil {
		return nil, mkdirErr
	}
	fd, openErr := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if openErr != nil {
		return nil, openErr
	}
	log.SetOutput(io.MultiWriter(os.Stderr, fd))

	return fd, nil
}
