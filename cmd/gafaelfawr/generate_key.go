package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gafaelfawr/gafaelfawr/internal/oidcserver"
)

func commandGenerateKey() *cobra.Command {
	var bits int
	cmd := &cobra.Command{
		Use:   "generate-key",
		Short: "Generate a new RSA signing key and print its PEM and key ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := rsa.GenerateKey(rand.Reader, bits)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
			if err := pem.Encode(os.Stdout, block); err != nil {
				return fmt.Errorf("encode key: %w", err)
			}
			fmt.Fprintf(os.Stderr, "kid: %s\n", oidcserver.DeriveKeyID(&key.PublicKey))
			return nil
		},
	}
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA key size in bits")
	return cmd
}
