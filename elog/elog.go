// Package elog provides the structured logging bootstrap shared by every
// package in this module, built on logrus.
package elog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetOutput(os.Stderr)
	return l
}

// SetLevel adjusts the log level shared by every component logger.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// New returns a logger scoped to the named component, tagged with a
// "component" field on every entry it produces.
func New(component string) *logrus.Entry {
	return base.WithField("component", component)
}
