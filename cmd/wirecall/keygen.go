package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	var (
		count int
		quiet bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a token secret",
		Long: `Generate a random 256-bit secret for the token layer.

Sessions and security tokens are sealed with keys derived from these
secrets. Put the output in the secrets list of wirecall.json, or in an
environment variable the config references:

  "secrets": ["${WIRECALL_SECRET}"]

To rotate, generate a new secret and prepend it; tokens sealed with
older secrets keep verifying until you drop them from the list.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("count must be at least 1")
			}

			for i := 0; i < count; i++ {
				buf := make([]byte, 32)
				if _, err := rand.Read(buf); err != nil {
					return fmt.Errorf("reading random bytes: %w", err)
				}
				fmt.Println(base64.StdEncoding.EncodeToString(buf))
			}

			if !quiet {
				fmt.Println()
				success("Generated %d secret(s)", count)
				info("Add to wirecall.json under \"secrets\", newest first")
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of secrets to generate")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print only the secrets")

	return cmd
}
