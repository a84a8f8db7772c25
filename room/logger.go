package room

import (
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
)

var logger *logrus.Entry

func init() {
	rootLogger := logrus.New()
	rootLogger.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 14,
		FullTimestamp: true,
	})
	logger = rootLogger.WithFields(logrus.Fields{"prefix": "room"})
}

// SetLogger replaces the package logger, so embedding applications can
// route engine logging into their own logrus instance.
func SetLogger(l *logrus.Entry) {
	logger = l
}
