package daemon

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the observed or desired state of a daemon.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusStopped Status = "STOPPED"
)

// Default values applied by NewSpec and Normalize.
const (
	DefaultMaxRuntime  = 24 * time.Hour
	DefaultStopTimeout = 300 // seconds
)

// ParseStatus accepts RUNNING/STOPPED in any case. Empty input maps to STOPPED.
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(StatusStopped):
		return StatusStopped, nil
	case string(StatusRunning):
		return StatusRunning, nil
	}
	return "", fmt.Errorf("invalid status %q: want RUNNING or STOPPED", s)
}

func (s Status) String() string { return string(s) }

// Spec describes one daemon known to the control plane.
// Status is only ever written by the coordinator from agent reports;
// TargetStatus is the field administrators change.
type Spec struct {
	Name         string        `json:"name" yaml:"name"`
	StartCommand []string      `json:"start_command,omitempty" yaml:"start_command,omitempty"`
	StopCommand  []string      `json:"stop_command,omitempty" yaml:"stop_command,omitempty"`
	PIDFile      string        `json:"pid_file,omitempty" yaml:"pid_file,omitempty"`
	MaxRuntime   time.Duration `json:"max_runtime" yaml:"max_runtime"`
	Server       string        `json:"server,omitempty" yaml:"server,omitempty"`
	Status       Status        `json:"status" yaml:"status"`
	TargetStatus Status        `json:"target_status" yaml:"target_status"`
	LastUpdate   time.Time     `json:"last_update" yaml:"last_update"`
}

// NewSpec returns a spec with default runtime budget and both statuses STOPPED.
func NewSpec(name string) Spec {
	return Spec{
		Name:         name,
		MaxRuntime:   DefaultMaxRuntime,
		Status:       StatusStopped,
		TargetStatus: StatusStopped,
		LastUpdate:   time.Unix(0, 0).UTC(),
	}
}

// Normalize fills empty statuses with STOPPED.
func (s *Spec) Normalize() {
	if s.Status == "" {
		s.Status = StatusStopped
	}
	if s.TargetStatus == "" {
		s.TargetStatus = StatusStopped
	}
}

// Clone returns a deep copy; command slices are not shared.
func (s Spec) Clone() Spec {
	c := s
	if s.StartCommand != nil {
		c.StartCommand = append([]string(nil), s.StartCommand...)
	}
	if s.StopCommand != nil {
		c.StopCommand = append([]string(nil), s.StopCommand...)
	}
	return c
}

// RuntimeExceeded reports whether a daemon started at startedAt has run past its budget.
// A non-positive budget never expires.
func (s Spec) RuntimeExceeded(startedAt, now time.Time) bool {
	if s.MaxRuntime <= 0 {
		return false
	}
	return now.Sub(startedAt) > s.MaxRuntime
}

var ErrInvalidName = errors.New("invalid daemon name")

// Validate checks the fields an administrator may set.
func (s Spec) Validate() error {
	if !IsSafeName(s.Name) {
		return fmt.Errorf("%w: %q (allowed [A-Za-z0-9._:-])", ErrInvalidName, s.Name)
	}
	if s.Status != "" && s.Status != StatusRunning && s.Status != StatusStopped {
		return fmt.Errorf("invalid status %q", s.Status)
	}
	if s.TargetStatus != "" && s.TargetStatus != StatusRunning && s.TargetStatus != StatusStopped {
		return fmt.Errorf("invalid target status %q", s.TargetStatus)
	}
	return nil
}

// IsSafeName allows [A-Za-z0-9._:-] without "..".
func IsSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' || r == ':' {
			continue
		}
		return false
	}
	return true
}

// Server is a host that daemons can be assigned to.
type Server struct {
	Hostname  string    `json:"hostname" yaml:"hostname"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}
