package ota

import (
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"
)

// State is a step of the update cycle.
type State int

// Update cycle states.
const (
	StateIdle State = iota
	StateCheckingVersion
	StateNoUpdateNeeded
	StateDownloading
	StateFlashing
	StateActivating
	StateRebooting
	StateFailed
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateCheckingVersion: "checking-version",
	StateNoUpdateNeeded:  "no-update-needed",
	StateDownloading:     "downloading",
	StateFlashing:        "flashing",
	StateActivating:      "activating",
	StateRebooting:       "rebooting",
	StateFailed:          "failed",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a snapshot of the updater.
type Status struct {
	State         State     `json:"state"`
	Version       string    `json:"version"`
	RemoteVersion string    `json:"remote_version,omitempty"`
	LastCheck     time.Time `json:"last_check,omitempty"`
	LastResult    string    `json:"last_result,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Checks        int       `json:"checks"`
}

// Check results.
const (
	ResultNoUpdate = "no_update"
	ResultSkipped  = "skipped"
	ResultUpdated  = "updated"
	ResultBusy     = "busy"
)

// Rebooter resets the device into the activated partition. Reboot does
// not return on success.
type Rebooter interface {
	Reboot()
}

// RebooterFunc is a func implementing Rebooter.
type RebooterFunc func()

// Reboot implements Rebooter.
func (f RebooterFunc) Reboot() {
	f()
}

// RebootExitCode is the exit code asking the supervisor to restart the node.
const RebootExitCode = 75

// ExitRebooter flushes logs and exits the process with RebootExitCode.
type ExitRebooter struct{}

// Reboot implements Rebooter.
func (ExitRebooter) Reboot() {
	glog.Info("exiting for restart")
	glog.Flush()
	os.Exit(RebootExitCode)
}
