// internal/infra/logger/logger.go
package logger

import (
	"os"
	"strings"

	"deal_expiration_notifier/internal/infra/config"

	"github.com/sirupsen/logrus"
)

const serviceName = "deal-sweeper"

// Log is the global logger instance
var Log = logrus.New()

// base carries the fields shared by every component entry.
var base = logrus.NewEntry(Log)

// Init configures the global logger and the fields every component entry starts with.
func Init(cfg *config.AppConfig) {
	env := strings.ToLower(cfg.Environment)

	Log.SetOutput(os.Stdout)
	Log.SetFormatter(formatterFor(env))
	base = Log.WithFields(logrus.Fields{
		"service":     serviceName,
		"environment": env,
	})

	level, err := logrus.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		Log.SetLevel(logrus.InfoLevel)
		base.WithError(err).Warnf("Invalid log level '%s', defaulting to 'info'", cfg.LogLevel)
		return
	}
	Log.SetLevel(level)
	base.Debugf("Log level set to: %s", level)
}

// JSON for the deployed environments, colored text everywhere else.
func formatterFor(env string) logrus.Formatter {
	if env == "production" || env == "staging" {
		return &logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"}
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		ForceColors:     true,
	}
}

// Component returns an entry tagged with the component name on top of the service fields.
func Component(name string) *logrus.Entry {
	return base.WithField("component", name)
}
