package sh

import (
	"context"
	"fmt"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/sensornode/pkg/config"
	"github.com/robotalks/sensornode/pkg/flash"
	"github.com/robotalks/sensornode/pkg/semver"
)

// Comparison is the result of the semver command.
type Comparison struct {
	A       string `json:"a"`
	B       string `json:"b"`
	Compare int    `json:"compare"`
	Update  bool   `json:"update"`
}

// CompareVersions compares two version strings the way the updater does:
// Update is true iff a is newer than b.
func CompareVersions(a, b string) (*Comparison, error) {
	va, ok := semver.Parse(a)
	if !ok {
		return nil, fmt.Errorf("invalid version %q", a)
	}
	vb, ok := semver.Parse(b)
	if !ok {
		return nil, fmt.Errorf("invalid version %q", b)
	}
	return &Comparison{A: va.String(), B: vb.String(), Compare: va.Compare(vb), Update: va.IsGreaterThan(vb)}, nil
}

// String implements fmt.Stringer.
func (c *Comparison) String() string {
	op := "=="
	switch {
	case c.Compare > 0:
		op = ">"
	case c.Compare < 0:
		op = "<"
	}
	return fmt.Sprintf("%s %s %s", c.A, op, c.B)
}

// BootState is the result of the bootstate command.
type BootState struct {
	Slot     uint32 `json:"slot"`
	State    string `json:"state"`
	Sequence uint32 `json:"sequence"`
	Image    string `json:"image"`
}

// ReadBootState reads the boot record of tbl.
func ReadBootState(tbl *flash.FileTable) *BootState {
	rec := tbl.Record()
	return &BootState{
		Slot:     rec.Slot,
		State:    rec.ImageState().String(),
		Sequence: rec.Sequence,
		Image:    tbl.BootImagePath(),
	}
}

// String implements fmt.Stringer.
func (b *BootState) String() string {
	return fmt.Sprintf("slot %d (%s), state %s, sequence %d", b.Slot, b.Image, b.State, b.Sequence)
}

var (
	// SemVerCmd compares two versions.
	SemVerCmd = ishell.Cmd{
		Name: "semver",
		Help: "A B, compare versions",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 2 {
				c.Err(fmt.Errorf("expect two versions"))
				return
			}
			cmp, err := CompareVersions(c.Args[0], c.Args[1])
			if err != nil {
				c.Err(err)
				return
			}
			ShellFrom(c).Print(c, cmp, cmp.String())
		},
	}

	// BootStateCmd prints the boot record.
	BootStateCmd = ishell.Cmd{
		Name:    "bootstate",
		Aliases: []string{"boot"},
		Help:    "print the boot partition and image state",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			tbl, err := s.Table()
			if err != nil {
				c.Err(err)
				return
			}
			st := ReadBootState(tbl)
			s.Print(c, st, st.String())
		},
	}

	// CheckCmd runs one update check.
	CheckCmd = ishell.Cmd{
		Name: "check",
		Help: "check the update server and install a newer image",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			u, err := s.Updater()
			if err != nil {
				c.Err(err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := u.CheckForUpdate(ctx); err != nil {
				c.Err(err)
				return
			}
			st := u.Status()
			s.Print(c, st, fmt.Sprintf("%s (remote %s)", st.LastResult, st.RemoteVersion))
		},
	}

	// VersionCmd prints versions.
	VersionCmd = ishell.Cmd{
		Name: "version",
		Help: "print the shell and configured firmware versions",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			v := map[string]string{
				"shell":   config.Version,
				"current": s.Config.CurrentVersion,
			}
			s.Print(c, v, fmt.Sprintf("shell %s, firmware %s", config.Version, s.Config.CurrentVersion))
		},
	}
)
