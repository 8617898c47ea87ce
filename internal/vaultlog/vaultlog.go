// Package vaultlog provides the structured logger used throughout the Vault
// Core. The teacher CLI prints straight to stdout with fmt.Println because a
// one-shot command has no one else to confuse; a long-running server
// multiplexing several vaults' watchers and WS clients needs leveled,
// component-tagged logs instead.
package vaultlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// base is the process-wide logger; components attach fields via For.
var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the process-wide log level (e.g. "debug", "warn").
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	base.SetLevel(lvl)
	return nil
}

// For returns a logger scoped to one component, optionally a vault.
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// ForVault returns a logger scoped to one component and vault.
func ForVault(component, vaultID string) *logrus.Entry {
	return base.WithFields(logrus.Fields{"component": component, "vault_id": vaultID})
}
