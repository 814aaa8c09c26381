package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"taf/internal/config"
	"taf/internal/keystore"
)

var keystoreCmd = &cobra.Command{
	Use:   "keystore",
	Short: "Manage keystore signing keys",
}

var (
	keystoreKeysDescription string
	keystoreScheme          string
)

var keystoreGenerateCmd = &cobra.Command{
	Use:   "generate [dir]",
	Short: "Generate signing keys into a keystore directory",
	Long: `Generate the signing key files of every role into the given
directory, honoring the keys description (number of keys, lengths,
passwords, schemes). Keys with a password are encrypted at rest; public
keys are written alongside as .pub files. Existing key files are reused.

Roles marked yubikey in the keys description are skipped: hardware keys
are generated on the device, not in the keystore.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeystoreGenerate,
}

func runKeystoreGenerate(cmd *cobra.Command, args []string) error {
	scheme := conf.Signing.DefaultScheme
	if keystoreScheme != "" {
		scheme = keystoreScheme
	}
	kd, err := config.ParseKeysDescription(keystoreKeysDescription, scheme)
	if err != nil {
		return err
	}
	signers, err := keystore.GenerateRoleKeys(args[0], kd)
	if err != nil {
		return err
	}
	total := 0
	for role, roleSigners := range signers {
		for _, signer := range roleSigners {
			id, err := signer.PublicKey().ID()
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", role, id)
			total++
		}
	}
	fmt.Printf("Generated %d keys in %s\n", total, args[0])
	return nil
}

func init() {
	keystoreGenerateCmd.Flags().StringVar(&keystoreKeysDescription, "keys-description", "",
		"A dictionary containing information about the keys or a path to a json file which stores the needed information")
	keystoreGenerateCmd.Flags().StringVar(&keystoreScheme, "scheme", "",
		"A signature scheme used for signing")

	keystoreCmd.AddCommand(keystoreGenerateCmd)
}
