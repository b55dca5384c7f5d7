// Package main is the entry point for solarctl, the operator CLI for a
// solarbus hub. Every command speaks to sund through the public client
// SDK, under the identity in SOLARBUS_IDENTITY.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	v1 "github.com/solarbus/solarbus/pkg/api/v1"
	"github.com/solarbus/solarbus/pkg/client"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "send":
		cmdSend(os.Args[2:])
	case "get":
		cmdGet(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "tail":
		cmdTail(os.Args[2:])
	case "progress":
		cmdProgress(os.Args[2:])
	case "health":
		cmdHealth()
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`solarctl - operator CLI for a solarbus hub

Usage: solarctl <command> [flags]

Commands:
  send      Publish an envelope from flags or a YAML file
  get       Print one envelope as JSON
  status    Show a project's agents and envelope backlog
  tail      Follow a project's envelope stream
  progress  Print the progress trail of an envelope
  health    Check hub health

Environment:
  SOLARBUS_URL       Hub base URL (default: http://localhost:8080)
  SOLARBUS_IDENTITY  Acting identity, "human:<id>" or "agent:<name>"`)
}

func newClient() *client.Client {
	baseURL := os.Getenv("SOLARBUS_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	identity := os.Getenv("SOLARBUS_IDENTITY")
	if identity == "" {
		fmt.Fprintln(os.Stderr, "Error: SOLARBUS_IDENTITY is not set")
		os.Exit(1)
	}
	return client.New(baseURL, identity)
}

func cmdSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	file := fs.String("file", "", "YAML envelope file")
	project := fs.String("project", "", "project id")
	to := fs.String("to", "", `recipient identity, or "broadcast"`)
	typ := fs.String("type", "", `envelope type (default "chat")`)
	text := fs.String("text", "", "payload text")
	replyTo := fs.String("reply-to", "", "envelope id this replies to")
	_ = fs.Parse(args)

	env := &v1.Envelope{}
	if *file != "" {
		loaded, err := loadEnvelopeFile(*file)
		exitOnError(err)
		env = loaded
	}

	// Flags override the file.
	if *project != "" {
		env.Routing.ProjectID = *project
	}
	if *to != "" {
		env.Routing.To = *to
	}
	if *typ != "" {
		env.Type = v1.EnvelopeType(*typ)
	}
	if *text != "" {
		env.Payload.Text = *text
	}
	if *replyTo != "" {
		env.Routing.ReplyTo = *replyTo
	}
	if env.Schema == "" {
		env.Schema = v1.SchemaVersion
	}
	if env.Type == "" {
		env.Type = v1.EnvelopeTypeChat
	}

	c := newClient()
	// Routing.From is filled by the hub from the acting identity; stamp
	// the originating human when a human is the one sending.
	if env.Context.HumanID == "" {
		if id, ok := strings.CutPrefix(c.Identity(), "human:"); ok {
			env.Context.HumanID = id
		}
	}

	committed, err := c.Publish(context.Background(), env)
	exitOnError(err)
	fmt.Printf("Published %s (seq %d)\n", committed.ID, committed.Seq)
}

func cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: solarctl get <envelope-id>")
		os.Exit(1)
	}
	env, err := newClient().Get(context.Background(), args[0])
	exitOnError(err)
	printJSON(env)
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	project := fs.String("project", "", "project id")
	after := fs.Int64("after", 0, "list envelopes committed after this seq")
	limit := fs.Int("limit", 20, "page size")
	_ = fs.Parse(args)
	if *project == "" {
		fmt.Fprintln(os.Stderr, "Usage: solarctl status -project <id> [-after <seq>] [-limit <n>]")
		os.Exit(1)
	}

	c := newClient()

	var agents *v1.AgentList
	var list *v1.EnvelopeList
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		var err error
		agents, err = c.Agents(ctx, *project)
		return err
	})
	g.Go(func() error {
		var err error
		list, err = c.List(ctx, *project, v1.ListEnvelopesQuery{AfterSeq: *after, Limit: *limit})
		return err
	})
	exitOnError(g.Wait())

	alive := make(map[string]bool, len(agents.Alive))
	for _, name := range agents.Alive {
		alive[name] = true
	}
	fmt.Printf("Agents (%d):\n", len(agents.Agents))
	for _, a := range agents.Agents {
		state := "gone"
		if alive[a.Name] {
			state = "alive"
		}
		role := ""
		if a.IsCoordinator {
			role = " coordinator"
		}
		fmt.Printf("  %-20s %s%s  human:%s  last beat %s\n",
			a.Name, state, role, a.HumanID, a.LastHeartbeat.Format("15:04:05"))
	}

	fmt.Printf("Envelopes after seq %d (%d):\n", *after, len(list.Envelopes))
	for _, env := range list.Envelopes {
		fmt.Println("  " + formatEnvelopeLine(env))
	}
	if len(list.Envelopes) == *limit {
		fmt.Printf("More: solarctl status -project %s -after %d\n", *project, list.NextSeq)
	}
}

func cmdTail(args []string) {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	project := fs.String("project", "", "project id")
	consumer := fs.String("consumer", "", "durable cursor name")
	after := fs.Int64("after", -1, "resume after this seq instead of the cursor")
	scope := fs.String("scope", "project", `"project" for all traffic, "recipient" for the caller's tail`)
	_ = fs.Parse(args)
	if *project == "" {
		fmt.Fprintln(os.Stderr, "Usage: solarctl tail -project <id> [-consumer <name>] [-after <seq>] [-scope recipient]")
		os.Exit(1)
	}
	if *scope != "project" && *scope != "recipient" {
		fmt.Fprintf(os.Stderr, "Error: invalid scope %q, must be project or recipient\n", *scope)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []client.StreamOption{}
	if *scope == "project" {
		opts = append(opts, client.WithProjectScope())
	}
	if *consumer != "" {
		opts = append(opts, client.WithConsumer(*consumer))
	}
	if *after >= 0 {
		opts = append(opts, client.WithAfterSeq(*after))
	}

	stream, err := newClient().Subscribe(ctx, *project, opts...)
	exitOnError(err)
	defer func() { _ = stream.Close() }()
	fmt.Fprintf(os.Stderr, "Tailing %s from seq %d (cursor %s)\n",
		*project, stream.ResumeFrom(), stream.Consumer())

	for d := range stream.Envelopes() {
		fmt.Println(formatEnvelopeLine(d.Envelope))
		if err := stream.Ack(d.Seq); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: ack %d failed: %v\n", d.Seq, err)
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		exitOnError(err)
	}
}

func cmdProgress(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: solarctl progress <envelope-id>")
		os.Exit(1)
	}
	trail, err := newClient().Progress(context.Background(), args[0])
	exitOnError(err)
	for _, rec := range trail {
		line := fmt.Sprintf("[%s] %3d%% %s",
			rec.UpdatedAt.Format("15:04:05"), rec.PercentDone, rec.State)
		if rec.Note != "" {
			line += "  " + rec.Note
		}
		fmt.Println(line)
	}
}

func cmdHealth() {
	if err := newClient().Health(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Hub is degraded:", err)
		os.Exit(1)
	}
	fmt.Println("Hub is healthy")
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
