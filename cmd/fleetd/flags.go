package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	URL        string
}

// ServeFlags holds flags of the long-running coordinator and agent commands.
type ServeFlags struct {
	Daemonize bool
	PIDFile   string
	LogFile   string
}

// SuperviseFlags override the [supervisor] config section.
type SuperviseFlags struct {
	Name        string
	Mode        string
	Task        string
	PIDFile     string
	RestartMode string
	Singleton   bool
}

// CtlFlags holds flags for the controller verbs.
type CtlFlags struct {
	Poll    time.Duration
	Timeout time.Duration
}

// LeaseFlags holds flags for lease run.
type LeaseFlags struct {
	PerServer   bool
	WaitForever bool
}
