package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sgu731/studycap/internal/control"
	"github.com/sgu731/studycap/internal/protocol"
)

var version = "0.1.0-dev"

const usage = "usage: studycap <start|pause|resume|stop|discard|status|watch|version> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	command := os.Args[1]
	if command == "version" {
		fmt.Println(version)
		return
	}

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	server := fs.String("server", envOr("STUDYCAP_BUS_SERVERS", nats.DefaultURL), "NATS server URL")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	var cmd protocol.Command
	switch command {
	case protocol.CommandStart:
		fs.StringVar(&cmd.RecognitionLanguage, "lang", "", "Recognition language (daemon default when empty)")
		fs.StringVar(&cmd.TranslationLanguage, "translate", "", "Translation target language")
	case protocol.CommandStop:
		fs.StringVar(&cmd.Title, "title", "", "Recording title")
	case protocol.CommandPause, protocol.CommandResume, protocol.CommandDiscard, protocol.CommandStatus, "watch":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", command, usage)
		os.Exit(2)
	}
	fs.Parse(os.Args[2:])

	conn, err := nats.Connect(*server, nats.Name("studycap-cli"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", *server, err)
		os.Exit(1)
	}
	defer conn.Close()
	client := control.NewClient(conn)

	if command == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := client.Watch(ctx, printEvent); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	reply, err := client.Send(ctx, command, cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(reply, "", "  ")
	fmt.Println(string(out))
	if !reply.OK {
		os.Exit(1)
	}
}

func printEvent(ev protocol.SessionEvent) {
	switch {
	case ev.Type == protocol.EventTick:
		fmt.Printf("\r%02d:%02d", ev.Elapsed/60, ev.Elapsed%60)
	case ev.Type == protocol.EventInterim:
		fmt.Printf("\r... %s", ev.Text)
	case ev.Code != "":
		fmt.Printf("\n[%s] %s: %s\n", ev.Type, ev.Code, ev.Error)
	default:
		fmt.Printf("\n[%s] %s\n", ev.Type, ev.Text)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
