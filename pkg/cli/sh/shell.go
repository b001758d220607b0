package sh

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"sync"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/sensornode/pkg/config"
	"github.com/robotalks/sensornode/pkg/flash"
	"github.com/robotalks/sensornode/pkg/ota"
	"github.com/robotalks/sensornode/pkg/transport"
)

// Shell provides ishell backed maintenance shell for a node's
// partitions and update server.
type Shell struct {
	Interactive bool
	OutputJSON  bool

	Shell  *ishell.Shell
	Config *config.Config

	lock    sync.Mutex
	table   *flash.FileTable
	updater *ota.Updater
}

const (
	shellKey = "$shell"
	prompt   = "ota > "
)

var (
	// flags

	evalOnly   bool
	outputJSON bool

	// commands
	commands = []*ishell.Cmd{
		&SemVerCmd,
		&BootStateCmd,
		&CheckCmd,
		&VersionCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
}

// AddCmds is used by other commands providers during init func.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// New creates a new shell.
func New(conf *config.Config) *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,

		Shell:  ishell.New(),
		Config: conf,
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(prompt)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// Table opens the partition table on first use.
func (s *Shell) Table() (*flash.FileTable, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.table == nil {
		tbl, err := flash.OpenFileTable(s.Config.FlashDir, s.Config.PartitionSize)
		if err != nil {
			return nil, err
		}
		s.table = tbl
	}
	return s.table, nil
}

// Updater creates the updater on first use. A successful update does not
// exit the shell; the new image is booted on the next node restart.
func (s *Shell) Updater() (*ota.Updater, error) {
	tbl, err := s.Table()
	if err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.updater != nil {
		return s.updater, nil
	}
	creds, err := s.Config.Credentials()
	if err != nil {
		return nil, err
	}
	stack := transport.NewStack(transport.NewCertCache(s.Config.TLSMode(), creds))
	u, err := ota.New(ota.Config{
		DeviceID:       s.Config.DeviceID,
		Hostname:       s.Config.OTAHostname,
		Port:           s.Config.OTAPort,
		CurrentVersion: s.Config.CurrentVersion,
	}, stack, tbl, ota.WithRebooter(ota.RebooterFunc(func() {
		s.Shell.Println("new image activated, restart the node to boot it")
	})))
	if err != nil {
		return nil, err
	}
	s.updater = u
	return u, nil
}

// Print prints v as JSON in JSON mode, or its text form.
func (s *Shell) Print(c *ishell.Context, v interface{}, text string) {
	if s.OutputJSON {
		out, err := json.Marshal(v)
		if err != nil {
			c.Err(err)
			return
		}
		c.Println(string(out))
		return
	}
	c.Println(text)
}

// Run runs the shell.
func (s *Shell) Run(args ...string) {
	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			log.Fatalln(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Printf("sensornode %s maintenance shell\n", config.Version)
		s.Shell.Run()
		return
	}
	log.Fatalln("command expected")
}

// Main is a helper to provide a single call in main.
func Main() {
	config.SetupFlags()
	flag.Parse()
	conf, err := config.Load()
	if err != nil {
		log.Fatalln(fmt.Errorf("load config: %w", err))
	}
	New(conf).Run(flag.Args()...)
}
