// AMP CLI - Command line client for AMP relay hosts
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/eldtechnologies/amprelay/clients/go/amp"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("AMP_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client := amp.NewClient(baseURL)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "info":
		resp, err := client.Info(ctx)
		exitOnError(err)
		printJSON(resp)

	case "register":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: amp register <tenant> <name>")
			os.Exit(1)
		}
		resp, err := client.Register(ctx, os.Args[2], os.Args[3])
		exitOnError(err)
		exitOnError(client.SaveConfig())
		fmt.Printf("Registered as: %s (%s)\n", resp.Address, resp.ShortAddress)
		fmt.Printf("Fingerprint:   %s\n", resp.Fingerprint)

	case "send":
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "Usage: amp send <to> <subject> <message> [type]")
			os.Exit(1)
		}
		payloadType := amp.TypeNotification
		if len(os.Args) > 5 {
			payloadType = os.Args[5]
		}
		resp, err := client.Send(ctx, amp.Message{
			To:      os.Args[2],
			Subject: os.Args[3],
			Payload: amp.Payload{Type: payloadType, Message: os.Args[4]},
		})
		exitOnError(err)
		line := fmt.Sprintf("%s: %s", resp.ID, resp.Status)
		if resp.Method != "" {
			line += " via " + resp.Method
		}
		if resp.Note != "" {
			line += " (" + resp.Note + ")"
		}
		fmt.Println(line)

	case "pending":
		resp, err := client.Pending(ctx, 50)
		exitOnError(err)
		for _, msg := range resp.Messages {
			printMessage(msg.ID, msg.Envelope.Timestamp, msg.Envelope.From, msg.Envelope.Subject, msg.Payload.Message)
		}
		if resp.Remaining > 0 {
			fmt.Printf("... %d more\n", resp.Remaining)
		}

	case "ack":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: amp ack <id> [id...]")
			os.Exit(1)
		}
		n, err := client.AckBatch(ctx, os.Args[2:])
		exitOnError(err)
		fmt.Printf("Acknowledged: %d\n", n)

	case "inbox":
		unread := len(os.Args) > 2 && os.Args[2] == "--unread"
		messages, err := client.Inbox(ctx, unread)
		exitOnError(err)
		for _, msg := range messages {
			printMessage(msg.ID, msg.CreatedAt, msg.From, msg.Subject, msg.Payload.Message)
		}

	case "resolve":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: amp resolve <address>")
			os.Exit(1)
		}
		resp, err := client.Resolve(ctx, os.Args[2])
		exitOnError(err)
		printJSON(resp)

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`AMP CLI - Agent Messaging Protocol

Usage: amp <command> [options]

Commands:
  register <tenant> <name>          Register a new agent
  send <to> <subject> <msg> [type]  Send a signed message
  pending                           List queued messages
  ack <id> [id...]                  Acknowledge queued messages
  inbox [--unread]                  List delivered messages
  resolve <address>                 Look up an agent
  info                              Show provider info
  health                            Check server health

Environment:
  AMP_URL      Server URL (default: http://localhost:8080)
  AMP_CONFIG   Config directory (default: ~/.amp)`)
}

func printMessage(id string, at time.Time, from, subject, body string) {
	body = strings.ReplaceAll(body, "\n", " ")
	if len(body) > 80 {
		body = body[:77] + "..."
	}
	fmt.Printf("[%s] %s %s: %s - %s\n", at.Local().Format("2006-01-02 15:04:05"), id, from, subject, body)
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
