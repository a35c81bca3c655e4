package util

import (
	"io"

	"github.com/sirupsen/logrus"
)

// CloseResource closes c, logging rather than returning a failure, for use in defers.
func CloseResource(log *logrus.Entry, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.WithError(err).Warnf("could not close %s cleanly", name)
	}
}
