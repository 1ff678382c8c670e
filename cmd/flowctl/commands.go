package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/teslamotors/ble-flowcontrol/pkg/flow"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrUnknownCommand  = errors.New("unrecognized command")
	ErrUnknownEndpoint = errors.New("unknown characteristic")
	ErrAbandoned       = errors.New("transfer was abandoned")
)

type Argument struct {
	name string
	help string
}

type Handler func(ctx context.Context, s *session, args map[string]string) error

type Command struct {
	help     string
	args     []Argument
	optional []Argument
	handler  Handler
}

var endpointArg = Argument{name: "CHARACTERISTIC", help: "Characteristic UUID"}

var commands = map[string]*Command{
	"send": &Command{
		help: "Send TEXT followed by a NUL terminator, one chunk per ready notification",
		args: []Argument{
			endpointArg,
			Argument{name: "TEXT", help: "Message to send; quote it to include spaces"},
		},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			return s.transfer(ctx, args["CHARACTERISTIC"], func(endpoint flow.Endpoint) error {
				return s.engine.SendText(ctx, endpoint, args["TEXT"])
			})
		},
	},
	"send-hex": &Command{
		help: "Send raw bytes without a terminator",
		args: []Argument{
			endpointArg,
			Argument{name: "HEX", help: "Payload as a hex string"},
		},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			payload, err := hex.DecodeString(args["HEX"])
			if err != nil {
				return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
			}
			return s.transfer(ctx, args["CHARACTERISTIC"], func(endpoint flow.Endpoint) error {
				return s.engine.Send(ctx, endpoint, payload)
			})
		},
	},
	"read": &Command{
		help: "Read a characteristic value",
		args: []Argument{endpointArg},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			_, err := s.link.Read(ctx, args["CHARACTERISTIC"])
			return err
		},
	},
	"subscribe": &Command{
		help:    "Enable notifications on a characteristic",
		args:    []Argument{endpointArg},
		handler: func(_ context.Context, s *session, args map[string]string) error { return s.link.Subscribe(args["CHARACTERISTIC"]) },
	},
	"unsubscribe": &Command{
		help:    "Disable notifications on a characteristic",
		args:    []Argument{endpointArg},
		handler: func(_ context.Context, s *session, args map[string]string) error { return s.link.Unsubscribe(args["CHARACTERISTIC"]) },
	},
	"status": &Command{
		help:     "Show transfer state; all characteristics if none is given",
		optional: []Argument{endpointArg},
		handler: func(_ context.Context, s *session, args map[string]string) error {
			ids := s.link.Endpoints()
			if id, ok := args["CHARACTERISTIC"]; ok {
				endpoint, err := s.link.Endpoint(id)
				if err != nil {
					return err
				}
				ids = []string{endpoint.ID()}
			}
			for _, id := range ids {
				status := s.engine.Status(id)
				s.printf("[%s] %s %d/%d\n", id, status.State, status.Offset, status.Length)
			}
			return nil
		},
	},
	"cancel": &Command{
		help: "Abandon the transfer in progress on a characteristic",
		args: []Argument{endpointArg},
		handler: func(_ context.Context, s *session, args map[string]string) error {
			endpoint, err := s.link.Endpoint(args["CHARACTERISTIC"])
			if err != nil {
				return err
			}
			if !s.engine.Cancel(endpoint.ID()) {
				s.printf("[%s] no transfer in progress\n", endpoint.ID())
			}
			return nil
		},
	},
	"pair": &Command{
		help: "Treat ready tokens notified on NOTIFY as acknowledging transfers on CHARACTERISTIC",
		args: []Argument{
			Argument{name: "NOTIFY", help: "UUID of the characteristic the receiver notifies on"},
			endpointArg,
		},
		handler: func(_ context.Context, s *session, args map[string]string) error {
			notify, err := s.link.Endpoint(args["NOTIFY"])
			if err != nil {
				return err
			}
			endpoint, err := s.link.Endpoint(args["CHARACTERISTIC"])
			if err != nil {
				return err
			}
			s.engine.Pair(notify.ID(), endpoint.ID())
			return nil
		},
	},
	"rssi": &Command{
		help: "Read the signal strength of the connection",
		handler: func(_ context.Context, s *session, _ map[string]string) error {
			_, err := s.link.ReadRSSI()
			return err
		},
	},
	"inject": &Command{
		help: "Make the simulated receiver notify TEXT",
		args: []Argument{
			endpointArg,
			Argument{name: "TEXT", help: "Value to notify"},
		},
		handler: func(_ context.Context, s *session, args map[string]string) error {
			return s.link.Inject(args["CHARACTERISTIC"], []byte(args["TEXT"]))
		},
	},
}

// transfer resolves id, clears the receiver's partial message and starts a transfer with start.
// When the session waits, it blocks until the transfer finishes. A transfer still running when ctx expires is canceled.
func (s *session) transfer(ctx context.Context, id string, start func(flow.Endpoint) error) error {
	endpoint, err := s.link.Endpoint(id)
	if err != nil {
		return err
	}
	s.link.Reset(endpoint.ID())
	if !s.wait {
		return start(endpoint)
	}

	result := s.await(endpoint.ID())
	defer s.forget(endpoint.ID())
	if err := start(endpoint); err != nil {
		return err
	}
	select {
	case event := <-result:
		switch e := event.(type) {
		case flow.TransferFailed:
			return e.Err
		case flow.TransferStalled:
			return e.Err
		case flow.TransferAbandoned:
			return ErrAbandoned
		}
		return nil
	case <-ctx.Done():
		s.engine.Cancel(endpoint.ID())
		return ctx.Err()
	}
}

func execute(ctx context.Context, s *session, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, ok := commands[args[0]]
	if !ok {
		return ErrUnknownCommand
	}

	var err error
	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args)-1, len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		err = info.handler(ctx, s, bindArguments(info, args[1:]))
	}

	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(s.out, args[0])
	}
	return err
}

func bindArguments(info *Command, values []string) map[string]string {
	keywords := make(map[string]string)
	for i, argInfo := range info.args {
		keywords[argInfo.name] = values[i]
	}
	index := len(info.args)
	for _, argInfo := range info.optional {
		if index >= len(values) {
			break
		}
		keywords[argInfo.name] = values[index]
		index++
	}
	return keywords
}

func (c *Command) Usage(w io.Writer, name string) {
	fmt.Fprintf(w, "Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Fprintf(w, " %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(w, " [")
	}
	for _, arg := range c.optional {
		fmt.Fprintf(w, " %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(w, " ]")
	}
	fmt.Fprintf(w, "\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Fprintf(w, "    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Fprintf(w, "    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}
