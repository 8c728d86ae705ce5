package services

import "github.com/sirupsen/logrus"

func logger() *logrus.Entry {
	return logrus.StandardLogger().WithField("module", "services")
}
