package config

import (
	"time"

	"github.com/sirupsen/logrus"
)

// for Log

// InitLogger configures the global logrus logger.
func InitLogger() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		TimestampFormat: time.DateTime,
	})
	if Debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func init() {
	InitLogger()
}
