package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a stdout logger. format is json (default) or text.
func NewLogger(level, format string) (*logrus.Logger, error) {
	logg := logrus.New()
	switch format {
	case "", "json":
		logg.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	lvl := logrus.InfoLevel
	if level != "" {
		l, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		lvl = l
	}
	logg.SetLevel(lvl)
	logg.SetOutput(os.Stdout)
	return logg, nil
}

func LogError(logger logrus.FieldLogger, moduleName string, funcName string, context string, data any, err error) {
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}
