// Package console is the line-oriented presentation for the run command:
// it prints the device list and connection state and turns typed commands
// into lifecycle intents.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/lifecycle"
)

// Intents is what the console can ask the lifecycle to do.
type Intents interface {
	Refresh(ctx context.Context) error
	Connect(ctx context.Context, id string) (ble.DeviceRecord, error)
	Disconnect(ctx context.Context) error
	Forget(ctx context.Context) error
}

// View supplies the data the console renders.
type View interface {
	Devices() []ble.DeviceRecord
	State() ble.ConnectionState
}

// Console reads commands from in and writes to out.
type Console struct {
	intents Intents
	view    View
	in      io.Reader

	mu  sync.Mutex
	out io.Writer
}

// New creates a Console.
func New(intents Intents, view View, in io.Reader, out io.Writer) *Console {
	return &Console{intents: intents, view: view, in: in, out: out}
}

// Command is a parsed input line.
type Command struct {
	Name string
	Arg  string
}

var aliases = map[string]string{
	"r": "refresh", "refresh": "refresh", "scan": "refresh",
	"c": "connect", "connect": "connect",
	"d": "disconnect", "disconnect": "disconnect",
	"f": "forget", "forget": "forget",
	"l": "list", "ls": "list", "list": "list",
	"s": "status", "status": "status",
	"h": "help", "?": "help", "help": "help",
	"q": "quit", "quit": "quit", "exit": "quit",
}

// ErrUnknownCommand is returned by ParseCommand for unrecognized input.
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand parses one input line. An empty line yields an empty Command.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, nil
	}
	name, ok := aliases[strings.ToLower(fields[0])]
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
	}
	cmd := Command{Name: name}
	if len(fields) > 1 {
		cmd.Arg = fields[1]
	}
	if name == "connect" && cmd.Arg == "" {
		return Command{}, errors.New("connect needs a list number or device id")
	}
	return cmd, nil
}

// Run processes commands until quit, end of input or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	c.printHelp()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			cmd, err := ParseCommand(line)
			if err != nil {
				c.printf("%v (type help)\n", err)
				continue
			}
			if cmd.Name == "quit" {
				return nil
			}
			c.Execute(ctx, cmd)
		}
	}
}

// Execute runs a single command.
func (c *Console) Execute(ctx context.Context, cmd Command) {
	var err error
	switch cmd.Name {
	case "":
		return
	case "refresh":
		err = c.intents.Refresh(ctx)
	case "connect":
		id := c.resolve(cmd.Arg)
		var rec ble.DeviceRecord
		if rec, err = c.intents.Connect(ctx, id); err == nil {
			c.printf("Connected to %s (%s)\n", rec.Label(), rec.ID)
		}
	case "disconnect":
		err = c.intents.Disconnect(ctx)
	case "forget":
		err = c.intents.Forget(ctx)
	case "list":
		c.printDevices(c.view.Devices())
	case "status":
		c.printStatus()
	case "help":
		c.printHelp()
	}
	if err != nil {
		slog.Debug("[Console] command failed", "command", cmd.Name, "error", err)
		c.printf("%s failed: %v\n", cmd.Name, err)
	}
}

// resolve maps a 1-based list number to a device id; anything else is taken
// as an id.
func (c *Console) resolve(arg string) string {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return arg
	}
	devices := c.view.Devices()
	if n < 1 || n > len(devices) {
		return arg
	}
	return devices[n-1].ID
}

// OnScan renders scan events.
func (c *Console) OnScan(ev ble.ScanEvent) {
	switch ev.Kind {
	case ble.ScanStarted:
		c.printf("Scanning for devices...\n")
	case ble.DeviceFound:
		c.printf("  %d. %s\n", indexOf(ev.Devices, ev.Device.ID)+1, formatDevice(ev.Device))
	case ble.ScanEnded:
		if ev.Err != nil {
			c.printf("Scan failed: %v\n", ev.Err)
			return
		}
		c.printf("Scan finished, %d device(s)\n", len(ev.Devices))
	}
}

// OnState renders connection state changes.
func (c *Console) OnState(ev ble.StateEvent) {
	switch {
	case ev.LinkLost:
		c.printf("Link to %s lost\n", ev.Previous.DeviceID)
	case ev.State.Kind == ble.Connected:
		c.printf("Connected Device: %s\n", ev.State.Device.Label())
	case ev.State.Kind == ble.Connecting:
		c.printf("Connecting to %s...\n", ev.State.DeviceID)
	case ev.Err != nil:
		c.printf("Connection error: %v\n", ev.Err)
	}
}

// OnPhase renders lifecycle phase changes that need the user's attention.
func (c *Console) OnPhase(ev lifecycle.PhaseEvent) {
	switch ev.Phase {
	case lifecycle.AwaitingPower:
		c.printf("Waiting for Bluetooth...\n")
	case lifecycle.Halted:
		c.printf("Stopped: %v (type refresh to retry)\n", ev.Err)
	case lifecycle.Reconnecting:
		c.printf("Reconnecting...\n")
	}
}

// Alert prints a user-visible notice.
func (c *Console) Alert(msg string) {
	c.printf("! %s\n", msg)
}

func (c *Console) printStatus() {
	st := c.view.State()
	if st.Kind == ble.Connected {
		c.printf("Connected Device: %s (%s)\n", st.Device.Label(), st.DeviceID)
		return
	}
	c.printf("Connection: %s\n", st)
}

func (c *Console) printDevices(devices []ble.DeviceRecord) {
	if len(devices) == 0 {
		c.printf("No devices found\n")
		return
	}
	c.printf("Available Devices\n")
	for i, d := range devices {
		c.printf("  %d. %s\n", i+1, formatDevice(d))
	}
}

func (c *Console) printHelp() {
	c.printf("Commands: refresh | connect <n|id> | disconnect | forget | list | status | quit\n")
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func formatDevice(d ble.DeviceRecord) string {
	if d.RSSI == 0 {
		return fmt.Sprintf("%s (%s)", d.Label(), d.ID)
	}
	return fmt.Sprintf("%s (%s) %d dBm", d.Label(), d.ID, d.RSSI)
}

func indexOf(devices []ble.DeviceRecord, id string) int {
	for i, d := range devices {
		if d.ID == id {
			return i
		}
	}
	return len(devices)
}
