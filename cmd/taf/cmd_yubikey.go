package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"taf/internal/yubikey"
)

var yubikeyCmd = &cobra.Command{
	Use:   "yubikey",
	Short: "Inspect attached YubiKeys",
}

var yubikeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List attached YubiKeys",
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := yubikey.List()
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No YubiKeys found")
			return nil
		}
		for _, device := range devices {
			fmt.Println(device)
		}
		return nil
	},
}

var (
	yubikeyCard   string
	yubikeyScheme string
)

var yubikeyExportPubCmd = &cobra.Command{
	Use:   "export-pub",
	Short: "Export the public key of the PIV signature slot",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := yubikey.ExportPublicKey(yubikeyCard, yubikeyScheme)
		if err != nil {
			return err
		}
		id, err := key.ID()
		if err != nil {
			return err
		}
		fmt.Printf("keyid: %s\n", id)
		fmt.Print(key.Val.Public)
		return nil
	},
}

func init() {
	yubikeyExportPubCmd.Flags().StringVar(&yubikeyCard, "card", "",
		"Device name; defaults to the only attached YubiKey")
	yubikeyExportPubCmd.Flags().StringVar(&yubikeyScheme, "scheme", "",
		"A signature scheme used for signing")

	yubikeyCmd.AddCommand(yubikeyListCmd)
	yubikeyCmd.AddCommand(yubikeyExportPubCmd)
}
