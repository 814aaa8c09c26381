package keystore

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"taf/internal/metadata"
)

// PromptPassword asks for a passphrase on the controlling terminal without
// echo. Falls back to reading a line from stdin when it is not a terminal
// (tests, pipes).
func PromptPassword(prompt string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase: %w", err)
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// LoadSignerPrompting loads a key, prompting for a passphrase when the file
// turns out to be encrypted and none was given.
func LoadSignerPrompting(dir, name, scheme, password string) (metadata.Signer, error) {
	s, err := LoadSigner(dir, name, scheme, password)
	if err == ErrPassphraseRequired {
		pw, perr := PromptPassword(fmt.Sprintf("Passphrase for key %s", name))
		if perr != nil {
			return nil, perr
		}
		return LoadSigner(dir, name, scheme, pw)
	}
	return s, err
}
