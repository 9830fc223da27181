// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package testutil

import (
	"flag"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"

	"github.com/microsoft/jsdebug/pkg/logger"
)

// Whether "go test -v" was used. Flags must be parsed before testing.Verbose() can answer.
var verboseTests = sync.OnceValue(func() bool {
	if !flag.Parsed() {
		flag.Parse()
	}
	return testing.Verbose()
})

// NewLogForTesting returns a logger that only reports errors, or everything when tests run verbosely.
// Entries carry the name under the "Test" key, so output of parallel tests can be told apart.
func NewLogForTesting(name string) logr.Logger {
	level := zapcore.ErrorLevel
	if verboseTests() {
		level = zapcore.DebugLevel
	}

	log := logger.New(name)
	log.SetLevel(level)
	return log.Logger.WithValues("Test", name)
}
