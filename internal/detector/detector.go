// Package detector answers whether a daemon process is alive.
package detector

import "errors"

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// ErrNoPIDFile is returned by ReadPIDFile when the file does not exist.
var ErrNoPIDFile = errors.New("pid file does not exist")
