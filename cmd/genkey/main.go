package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/eldtechnologies/amprelay/internal/crypto"
)

func main() {
	out := flag.String("out", "", "Write the private key PEM to this file instead of stdout")
	flag.Parse()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
		os.Exit(1)
	}

	pubPEM, err := crypto.EncodePublicKeyPEM(pub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode public key: %v\n", err)
		os.Exit(1)
	}
	privPEM, err := crypto.EncodePrivateKeyPEM(priv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode private key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Fingerprint: %s\n", crypto.Fingerprint(pub))
	fmt.Printf("Public key (base64): %s\n\n", base64.StdEncoding.EncodeToString(pub))
	fmt.Print(pubPEM)

	if *out != "" {
		if err := os.WriteFile(*out, []byte(privPEM), 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write private key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nPrivate key written to %s\n", *out)
		return
	}
	fmt.Print(privPEM)
}
