// Package console runs a single-byte operator command loop.
//
// Each command is one byte. Bytes that are not in the table, including
// newlines, are ignored, so the console works on a raw tty and on
// line-buffered stdin alike.
package console

import (
	"bufio"
	"fmt"
	"io"

	"head-restraint-go/pkg/latch"
	"head-restraint-go/pkg/log"
)

// Controller is the part of the latch controller the console drives.
type Controller interface {
	HomeLatches()
	CloseLatches()
	ReleaseLatches()
	EnableLatches()
	DisableLatches()
	StopLatches()
	Status() latch.Status
}

// Command is one console command.
type Command struct {
	Flag        byte
	Run         func(*Console) error
	Description string
}

var (
	HomeCommand = &Command{
		Flag:        'H',
		Run:         func(c *Console) error { c.ctl.HomeLatches(); return nil },
		Description: "Home both latches.",
	}
	CloseCommand = &Command{
		Flag:        'C',
		Run:         func(c *Console) error { c.ctl.CloseLatches(); return nil },
		Description: "Close both latches.",
	}
	ReleaseCommand = &Command{
		Flag:        'R',
		Run:         func(c *Console) error { c.ctl.ReleaseLatches(); return nil },
		Description: "Release both latches.",
	}
	EnableCommand = &Command{
		Flag:        'E',
		Run:         func(c *Console) error { c.ctl.EnableLatches(); return nil },
		Description: "Enable latch commands.",
	}
	DisableCommand = &Command{
		Flag:        'D',
		Run:         func(c *Console) error { c.ctl.DisableLatches(); return nil },
		Description: "Disable latch commands.",
	}
	StopCommand = &Command{
		Flag:        'X',
		Run:         func(c *Console) error { c.ctl.StopLatches(); return nil },
		Description: "Disable and stop both latches.",
	}
	StatusCommand = &Command{
		Flag:        'S',
		Run:         func(c *Console) error { return c.printStatus() },
		Description: "Print the controller state.",
	}
	HelpCommand = &Command{
		Flag:        '?',
		Run:         func(c *Console) error { return c.printHelp() },
		Description: "Show all available commands.",
	}
	QuitCommand = &Command{
		Flag:        'q',
		Description: "Quit.",
	}
)

// commands is filled in init to avoid an initialization cycle through
// HelpCommand -> printHelp -> commands.
var commands []*Command

func init() {
	commands = []*Command{
		HomeCommand,
		CloseCommand,
		ReleaseCommand,
		EnableCommand,
		DisableCommand,
		StopCommand,
		StatusCommand,
		HelpCommand,
		QuitCommand,
	}
}

// Console reads commands from in and writes replies to out.
type Console struct {
	ctl    Controller
	in     *bufio.Reader
	out    io.Writer
	logger *log.Logger
	table  map[byte]*Command
}

// New creates a console. A nil logger discards.
func New(ctl Controller, in io.Reader, out io.Writer, logger *log.Logger) *Console {
	if logger == nil {
		logger = log.Discard()
	}
	c := &Console{
		ctl:    ctl,
		in:     bufio.NewReader(in),
		out:    out,
		logger: logger.WithPrefix("console"),
		table:  make(map[byte]*Command, len(commands)),
	}
	for _, cmd := range commands {
		c.table[cmd.Flag] = cmd
	}
	return c
}

// Run executes commands until quit or a read error. It returns nil on
// quit and the read error otherwise, io.EOF included.
func (c *Console) Run() error {
	for {
		b, err := c.in.ReadByte()
		if err != nil {
			return err
		}

		cmd, ok := c.table[b]
		if !ok {
			continue
		}
		if cmd == QuitCommand {
			c.logger.Info("quit requested")
			return nil
		}

		c.logger.Debug("command %c", cmd.Flag)
		if err := cmd.Run(c); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *Console) printHelp() error {
	if _, err := fmt.Fprintln(c.out, "Available Commands:"); err != nil {
		return err
	}
	for _, cmd := range commands {
		if _, err := fmt.Fprintf(c.out, "%c: %s\n", cmd.Flag, cmd.Description); err != nil {
			return err
		}
	}
	return nil
}

func (c *Console) printStatus() error {
	st := c.ctl.Status()
	_, err := fmt.Fprintf(c.out, "enabled=%t head_bar=%s reset_pending=%t force=%.3f\n",
		st.Enabled, st.HeadBar, st.ResetPending, st.ForceRatio)
	if err != nil {
		return err
	}
	for _, l := range []latch.LatchStatus{st.Left, st.Right} {
		_, err := fmt.Fprintf(c.out, "%s: state=%s attached=%t homed=%t released=%t position=%.1f\n",
			l.Name, l.State, l.Attached, l.Homed, l.Released, l.Position)
		if err != nil {
			return err
		}
	}
	return nil
}
