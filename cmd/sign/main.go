package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/eldtechnologies/amprelay/internal/crypto"
	"github.com/eldtechnologies/amprelay/internal/handlers"
	"github.com/eldtechnologies/amprelay/internal/mesh"
	"github.com/eldtechnologies/amprelay/internal/models"
)

func main() {
	keyFile := flag.String("key", "", "File containing the Ed25519 private key (PEM or base64)")
	from := flag.String("from", "", "Sender address, e.g. alice@acme.aimaestro.local")
	bodyFile := flag.String("body", "", "File containing the route request body (or use stdin)")
	flag.Parse()

	if *keyFile == "" || *from == "" {
		fmt.Fprintln(os.Stderr, "Usage: sign -key <private-key-file> -from <address> [-body <file>]")
		fmt.Fprintln(os.Stderr, "  Reads body from stdin if -body not specified")
		os.Exit(1)
	}

	keyData, err := os.ReadFile(*keyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read key: %v\n", err)
		os.Exit(1)
	}
	priv, err := crypto.ParsePrivateKey(string(keyData))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid private key: %v\n", err)
		os.Exit(1)
	}

	// Read body
	var body []byte
	if *bodyFile != "" {
		body, err = os.ReadFile(*bodyFile)
	} else {
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read body: %v\n", err)
		os.Exit(1)
	}

	var req handlers.RouteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid route body: %v\n", err)
		os.Exit(1)
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}

	sig, err := crypto.SignEnvelope(priv, models.Envelope{
		From:      *from,
		To:        req.To,
		Subject:   req.Subject,
		Priority:  req.Priority,
		InReplyTo: req.InReplyTo,
	}, req.Payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign: %v\n", err)
		os.Exit(1)
	}

	// Output header form; the same value may be sent as "signature" in the body
	fmt.Printf("%s: %s\n", mesh.HeaderSignature, sig)
}
