package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"valx.pw/shroud/pkg/crypto"
)

var genpskCmd = &cobra.Command{
	Use:     "genpsk",
	Aliases: []string{"gen-psk"},
	Short:   "Print a new random pre-shared key",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key.String())
		return nil
	},
}
