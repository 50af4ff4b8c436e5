package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/protocol"
)

func runControl(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("control", flag.ContinueOnError)
	var (
		server  string
		action  string
		perm    string
		timeout time.Duration
	)
	fs.StringVar(&server, "server", "nats://localhost:4222", "NATS server of the running listener")
	fs.StringVar(&action, "action", "status", "start, stop, cancel, status or permission")
	fs.StringVar(&perm, "permission", "", "Permission status when -action=permission")
	fs.DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := bus.Connect(ctx, config.BusConfig{Servers: []string{server}, ConnectTimeout: 2000}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	defer client.Close()

	data, err := json.Marshal(protocol.SessionControl{Action: action, Permission: perm})
	if err != nil {
		return err
	}
	msg, err := client.Conn().RequestWithContext(ctx, protocol.SubjectSessionControl, data)
	if err != nil {
		return fmt.Errorf("control request: %w", err)
	}
	var status protocol.SessionStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	pretty, _ := json.MarshalIndent(status, "", "  ")
	fmt.Fprintln(out, string(pretty))
	if status.Error != "" {
		return fmt.Errorf("listener: %s", status.Error)
	}
	return nil
}
