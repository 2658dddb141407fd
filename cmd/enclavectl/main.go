// enclavectl is an operational convenience for driving the primitives
// layer from a shell: load a trusted image through a backend, enter it
// with a selector and hex-encoded frames, and inspect the recent-call
// trace. It is not part of the core contract.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/enclavecore/primitives/backend"
	"github.com/enclavecore/primitives/dispatch"
	"github.com/enclavecore/primitives/elog"
	"github.com/enclavecore/primitives/enclave"
	"github.com/enclavecore/primitives/ipcbackend"
	"github.com/enclavecore/primitives/paramstack"
	"github.com/enclavecore/primitives/selector"
	"github.com/enclavecore/primitives/simulator"
)

type baseConfig struct {
	Backend  string `long:"backend" default:"sim" choice:"sim" choice:"ipc" description:"Backend used to load the trusted image"`
	Key      string `long:"key" description:"Shared signing key for the ipc backend's load-token handshake"`
	LogLevel string `long:"log.level" default:"info" description:"Logging level"`
	Trace    int    `long:"trace.capacity" default:"64" description:"Capacity of the per-client call trace"`
}

func (c *baseConfig) load(path string) (*enclave.Client, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing --log.level: %w", err)
	}
	elog.SetLevel(level)

	var b backend.Backend
	switch c.Backend {
	case "ipc":
		b = &ipcbackend.Backend{SigningKey: []byte(c.Key), TraceCapacity: c.Trace}
	default:
		b = &simulator.Backend{TraceCapacity: c.Trace}
	}
	return b.Load(context.Background(), backend.LoadConfig{
		Path:  path,
		Table: dispatch.NewTable(),
	})
}

type imageArgs struct {
	Image string `positional-arg-name:"IMAGE" required:"yes" description:"Path to the trusted image"`
}

type cmdLoad struct {
	baseConfig
	Args imageArgs `positional-args:"yes" required:"yes"`
}

func (c *cmdLoad) Execute([]string) error {
	client, err := c.load(c.Args.Image)
	if err != nil {
		return err
	}
	defer client.Release()
	color.Green("loaded %s", c.Args.Image)
	return nil
}

type cmdCall struct {
	baseConfig
	Args struct {
		Image    string   `positional-arg-name:"IMAGE" required:"yes" description:"Path to the trusted image"`
		Selector uint64   `positional-arg-name:"SELECTOR" required:"yes" description:"Selector to enter with"`
		Frames   []string `positional-arg-name:"HEXFRAME" description:"Hex-encoded frames, pushed bottom to top"`
	} `positional-args:"yes" required:"yes"`
}

func (c *cmdCall) Execute([]string) error {
	client, err := c.load(c.Args.Image)
	if err != nil {
		return err
	}
	defer client.Release()

	var stack paramstack.Stack
	for _, f := range c.Args.Frames {
		b, err := hex.DecodeString(f)
		if err != nil {
			return fmt.Errorf("decoding frame %q: %w", f, err)
		}
		stack.PushBytes(b)
	}

	status := client.EnclaveCall(selector.Selector(c.Args.Selector), &stack)
	if !status.IsOK() {
		color.Red("FAILED code=%d %s", status.Code, status.Message)
		return fmt.Errorf("enclave call failed with code %d", status.Code)
	}
	color.Green("OK")
	for i, f := range stack.Frames() {
		fmt.Printf("frame[%d] = %s\n", i, hex.EncodeToString(f))
	}
	return nil
}

type cmdDestroy struct {
	baseConfig
	Args imageArgs `positional-args:"yes" required:"yes"`
}

func (c *cmdDestroy) Execute([]string) error {
	client, err := c.load(c.Args.Image)
	if err != nil {
		return err
	}
	if err := client.Destroy(); err != nil {
		return err
	}
	color.Green("destroyed; closed=%v", client.IsClosed())
	client.Release()
	return nil
}

type cmdTrace struct {
	baseConfig
	Calls []string  `long:"call" description:"SELECTOR:HEXFRAME call to issue before dumping the trace; repeatable"`
	Args  imageArgs `positional-args:"yes" required:"yes"`
}

func (c *cmdTrace) Execute([]string) error {
	client, err := c.load(c.Args.Image)
	if err != nil {
		return err
	}
	defer client.Release()

	for _, call := range c.Calls {
		sel, frame, err := parseCall(call)
		if err != nil {
			return err
		}
		var stack paramstack.Stack
		if len(frame) > 0 {
			stack.PushBytes(frame)
		}
		client.EnclaveCall(sel, &stack)
	}

	trace := client.Trace()
	if trace == nil {
		return fmt.Errorf("tracing is disabled (--trace.capacity=0)")
	}
	for _, rec := range trace.Recent() {
		line := fmt.Sprintf("%s seq=%d selector=%d code=%d %s",
			rec.At.Format("15:04:05.000"), rec.Seq, rec.Selector, rec.Status.Code, rec.Status.Message)
		if rec.Status.IsOK() {
			color.Green("%s", line)
		} else {
			color.Red("%s", line)
		}
	}
	return nil
}

func parseCall(s string) (selector.Selector, []byte, error) {
	parts := strings.SplitN(s, ":", 2)
	sel, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("parsing selector in %q: %w", s, err)
	}
	var frame []byte
	if len(parts) == 2 && parts[1] != "" {
		if frame, err = hex.DecodeString(parts[1]); err != nil {
			return 0, nil, fmt.Errorf("decoding frame in %q: %w", s, err)
		}
	}
	return selector.Selector(sel), frame, nil
}

func main() {
	parser := flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "load", "Load a trusted image", `
Load a trusted image through the selected backend, then release it.
Useful as a smoke test that the image resolves and initializes.
`, &cmdLoad{})

	addCmd(parser, "call", "Enter a trusted image with a selector", `
Load a trusted image, enter it once with the given selector and frames,
print the resulting parameter stack, and release the client.
`, &cmdCall{})

	addCmd(parser, "destroy", "Load then destroy a trusted image", `
Load a trusted image and immediately destroy it, exercising the full
lifecycle including the backend's finalizer.
`, &cmdDestroy{})

	addCmd(parser, "trace", "Dump the recent-call trace", `
Load a trusted image, optionally issue a sequence of calls, and dump the
client's bounded recent-call trace.
`, &cmdTrace{})

	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			fmt.Println(fe.Message)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	cmd, err := to.AddCommand(a, b, c, iface)
	if err != nil {
		panic(err)
	}
	return cmd
}
