// Package api holds the versioned wire schema shared by the coordinator
// HTTP server and pkg/client.
package api

import (
	"fmt"
	"time"

	"github.com/loykin/fleetd/internal/daemon"
)

// Version is the schema version carried in request and response bodies.
const Version = "v1"

// Prefix is mounted under the server base path.
const Prefix = "/api/" + Version

// Error codes returned in ErrorResponse.Code.
const (
	CodeBadRequest     = "bad_request"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeStorageFailure = "storage_failure"
	CodeUnauthorized   = "unauthorized"
	CodeInternal       = "internal"
)

// CheckVersion accepts an empty version (older clients) or the current one.
func CheckVersion(v string) error {
	if v == "" || v == Version {
		return nil
	}
	return fmt.Errorf("unsupported api_version %q (server speaks %s)", v, Version)
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type BuildResponse struct {
	Build string `json:"build"`
}

// NextActionRequest reports the daemons alive on a host and asks for one action.
// LastActionID is the id of the last action the session received, acknowledged or not.
type NextActionRequest struct {
	APIVersion   string   `json:"api_version"`
	Hostname     string   `json:"hostname"`
	Session      string   `json:"session"`
	LastActionID uint64   `json:"last_action_id,omitempty"`
	Running      []string `json:"running"`
}

type NextActionResponse struct {
	APIVersion string         `json:"api_version"`
	Action     *daemon.Action `json:"action,omitempty"`
}

type CompleteActionRequest struct {
	APIVersion string        `json:"api_version"`
	Hostname   string        `json:"hostname"`
	Session    string        `json:"session"`
	Action     daemon.Action `json:"action"`
}

type DaemonsResponse struct {
	Daemons []daemon.Spec `json:"daemons"`
}

type ServersResponse struct {
	Servers []daemon.Server `json:"servers"`
}

type LeaseRequest struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
}

type LeaseResponse struct {
	Granted bool `json:"granted"`
}

// Lease is the admin view of one lease table entry.
type Lease struct {
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

type LeasesResponse struct {
	Leases []Lease `json:"leases"`
}

type StartProcessRequest struct {
	Command []string `json:"command"`
}

type ProcessDataRequest struct {
	Data []byte `json:"data"`
}

type ProcessDataResponse struct {
	Data []byte `json:"data"`
}

type ProcessAliveResponse struct {
	Alive bool `json:"alive"`
}

type TargetRequest struct {
	Status daemon.Status `json:"status"`
}

// DaemonPatch changes selected fields of a daemon; nil fields are left alone.
// Status is deliberately absent: observed status is coordinator-owned.
type DaemonPatch struct {
	StartCommand []string       `json:"start_command,omitempty"`
	StopCommand  []string       `json:"stop_command,omitempty"`
	PIDFile      *string        `json:"pid_file,omitempty"`
	Server       *string        `json:"server,omitempty"`
	MaxRuntime   *time.Duration `json:"max_runtime,omitempty"`
	TargetStatus *daemon.Status `json:"target_status,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p DaemonPatch) Empty() bool {
	return p.StartCommand == nil && p.StopCommand == nil && p.PIDFile == nil &&
		p.Server == nil && p.MaxRuntime == nil && p.TargetStatus == nil
}
