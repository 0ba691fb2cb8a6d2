// Package logutil wires the process logger: level configuration on the
// global charmbracelet logger plus an optional tee that feeds the in-memory
// log store behind the admin API.
package logutil

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
)

var (
	outputMu  sync.Mutex
	outputTee io.Writer
)

// Configure sets the global log level and (re)applies the output chain.
func Configure(levelRaw string) error {
	levelRaw = strings.ToLower(strings.TrimSpace(levelRaw))
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return fmt.Errorf("invalid log level %q", levelRaw)
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)
	applyOutputLocked()
	return nil
}

// SetOutputTee duplicates every log line into w (the admin log store) in
// addition to stderr. Pass nil to remove the tee.
func SetOutputTee(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	outputTee = w
	applyOutputLocked()
}

func applyOutputLocked() {
	if outputTee == nil {
		log.SetOutput(os.Stderr)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, outputTee))
}

// NewComponentLogger returns a child logger tagged with a component name,
// sharing the global output and level.
func NewComponentLogger(component string) *log.Logger {
	return log.Default().With("component", component)
}
