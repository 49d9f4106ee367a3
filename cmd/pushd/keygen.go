package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wafflemaker/webpush/keys"
)

func newKeygenCommand() *cobra.Command {
	var pemPath, subject string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a VAPID key pair and print it as environment variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if pemPath != "" {
				signer, err := keys.GenerateKey(pemPath)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "VAPID_PUBLIC_KEY=%s\n", signer.PublicKeyBase64())
				fmt.Fprintf(out, "VAPID_PRIVATE_KEY_FILE=%s\n", pemPath)
				fmt.Fprintf(out, "VAPID_SUBJECT=%s\n", subject)
				return nil
			}

			kp, err := keys.GenerateKeyPair()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "VAPID_PUBLIC_KEY=%s\n", kp.PublicKey)
			fmt.Fprintf(out, "VAPID_PRIVATE_KEY=%s\n", kp.PrivateJWK)
			fmt.Fprintf(out, "VAPID_SUBJECT=%s\n", subject)
			return nil
		},
	}
	cmd.Flags().StringVar(&pemPath, "pem", "", "write the private key to this PEM file instead of printing a JWK")
	cmd.Flags().StringVar(&subject, "subject", "mailto:admin@example.com", "contact URI to print as VAPID_SUBJECT")
	return cmd
}
