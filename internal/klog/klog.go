// Package klog provides module-tagged structured logging for the kernel
// packages in this module, standing in for the bare fmt.Printf/early.Printf
// diagnostics the originating kernels use during boot.
package klog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	base     *logrus.Logger
	baseOnce sync.Once
)

func root() *logrus.Logger {
	baseOnce.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stdout)
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			DisableColors:   false,
			TimestampFormat: "15:04:05.000",
		})
	})
	return base
}

// For returns a logger scoped to the named module ("pmap", "bootstrap",
// "sysinit", ...), analogous to the bracketed "[module] message" prefixes
// used throughout the source kernel's boot diagnostics.
func For(module string) *logrus.Entry {
	return root().WithField("module", module)
}

// SetOutput redirects all klog output; used by tests to capture boot
// diagnostics instead of writing to stdout.
func SetOutput(w interface{ Write([]byte) (int, error) }) {
	root().SetOutput(w)
}

// SetLevel adjusts verbosity. Bootstrap and sysinit default to Info; tests
// that want to see every step typically raise it to Debug.
func SetLevel(level logrus.Level) {
	root().SetLevel(level)
}
