package control

import (
	"context"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loykin/fleetd/internal/daemon"
)

// Document is the YAML form of a set of definitions. Observed status and
// update times are coordinator-owned and not part of it.
type Document struct {
	Daemons []Definition `yaml:"daemons"`
}

type Definition struct {
	Name         string         `yaml:"name"`
	StartCommand []string       `yaml:"start_command,omitempty"`
	StopCommand  []string       `yaml:"stop_command,omitempty"`
	PIDFile      string         `yaml:"pid_file,omitempty"`
	MaxRuntime   *time.Duration `yaml:"max_runtime,omitempty"`
	Server       string         `yaml:"server,omitempty"`
	TargetStatus daemon.Status  `yaml:"target_status"`
}

func definitionOf(s daemon.Spec) Definition {
	return Definition{
		Name:         s.Name,
		StartCommand: s.StartCommand,
		StopCommand:  s.StopCommand,
		PIDFile:      s.PIDFile,
		MaxRuntime:   &s.MaxRuntime,
		Server:       s.Server,
		TargetStatus: s.TargetStatus,
	}
}

func (d Definition) spec() daemon.Spec {
	s := daemon.NewSpec(d.Name)
	s.StartCommand = d.StartCommand
	s.StopCommand = d.StopCommand
	s.PIDFile = d.PIDFile
	if d.MaxRuntime != nil {
		s.MaxRuntime = *d.MaxRuntime
	}
	s.Server = d.Server
	if d.TargetStatus != "" {
		s.TargetStatus = d.TargetStatus
	}
	return s
}

// Export writes every definition as YAML.
func Export(ctx context.Context, admin Admin, w io.Writer) error {
	specs, err := admin.ListDaemons(ctx, "")
	if err != nil {
		return fmt.Errorf("list daemons: %w", err)
	}
	doc := Document{Daemons: make([]Definition, 0, len(specs))}
	for _, s := range specs {
		doc.Daemons = append(doc.Daemons, definitionOf(s))
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

// Import creates or replaces every definition in r and returns how many
// were written. A missing max_runtime gets the default budget.
func Import(ctx context.Context, admin Admin, r io.Reader) (int, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("decode yaml: %w", err)
	}
	for i, d := range doc.Daemons {
		s := d.spec()
		if err := s.Validate(); err != nil {
			return i, fmt.Errorf("daemon #%d: %w", i+1, err)
		}
		if err := admin.PutDaemon(ctx, s); err != nil {
			return i, fmt.Errorf("put %s: %w", s.Name, err)
		}
	}
	return len(doc.Daemons), nil
}
