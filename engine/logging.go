package engine

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/imgdedup/internal/errors"
)

// Log formats accepted by NewLogger
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// NewLogger builds the process logger. An empty level falls back to the
// LOG_LEVEL environment variable, then to info.
func NewLogger(level, format string, output io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()

	switch format {
	case "", LogFormatText:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	case LogFormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	default:
		return nil, errors.NewErrorBuilder().
			Category(errors.ErrorCategoryConfiguration).
			Operation("configure_logging").
			Messagef("unknown log format %q", format).
			Suggestion("use text or json").
			Build()
	}

	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level == "" {
		level = logrus.InfoLevel.String()
	}
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.NewErrorBuilder().
			Category(errors.ErrorCategoryConfiguration).
			Operation("configure_logging").
			Messagef("unknown log level %q", level).
			Cause(err).
			Build()
	}
	logger.SetLevel(logLevel)

	if output != nil {
		logger.SetOutput(output)
	}
	return logger, nil
}
