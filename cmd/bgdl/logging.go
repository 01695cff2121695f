package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/handiism/background-downloader/internal/download"
)

func newLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// eventSink routes manager events into l.
func eventSink(l *logrus.Logger) func(download.ProgressEvent) {
	return func(ev download.ProgressEvent) {
		entry := logrus.NewEntry(l)
		if ev.RequestID != "" {
			entry = entry.WithField("request", ev.RequestID)
		}

		switch ev.Level {
		case download.LevelVerbose:
			entry.Debug(ev.Message)
		case download.LevelWarning:
			entry.Warn(ev.Message)
		case download.LevelError:
			entry.Error(ev.Message)
		case download.LevelSuccess:
			entry.WithField("status", "success").Info(ev.Message)
		default:
			entry.Info(ev.Message)
		}
	}
}
