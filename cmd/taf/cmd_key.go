package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"taf/internal/keystore"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Inspect signing keys",
}

var keyScheme string

var keyIDCmd = &cobra.Command{
	Use:   "id [file]",
	Short: "Print the keyid of a public key file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := keystore.LoadPublicKey(args[0], keyScheme)
		if err != nil {
			return err
		}
		id, err := key.ID()
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var keyExportPubCmd = &cobra.Command{
	Use:   "export-pub [file]",
	Short: "Print the public portion of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := keystore.LoadPublicKey(args[0], keyScheme)
		if err != nil {
			return err
		}
		fmt.Print(key.Val.Public)
		return nil
	},
}

func init() {
	keyCmd.PersistentFlags().StringVar(&keyScheme, "scheme", "",
		"A signature scheme used for signing")
	keyCmd.AddCommand(keyIDCmd)
	keyCmd.AddCommand(keyExportPubCmd)
}
