// Cmux-proxy runs the subdomain-routing reverse proxy that exposes
// per-workspace, per-port services under a shared wildcard domain.
//
// Usage:
//
//	go build -o bin/cmux-proxy ./cmd/cmux-proxy
//	./bin/cmux-proxy --listen 0.0.0.0:8080 --apex cmux.sh
//
// Exit codes: 0 success, 1 usage or configuration error, 2 runtime
// failure.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/cmux-dev/cmux/internal/logger"
)

func main() {
	logger.Init()

	err := newRootCmd().Execute()
	logger.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		var rt *runtimeError
		if errors.As(err, &rt) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// runtimeError marks failures that happen after configuration was
// accepted, so they exit with code 2 instead of 1.
type runtimeError struct {
	err error
}

func (e *runtimeError) Error() string { return e.err.Error() }
func (e *runtimeError) Unwrap() error { return e.err }
