package main

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// passphraseEnv lets scripts supply the passphrase without a terminal.
const passphraseEnv = "ATTACHKIT_PASSPHRASE"

// readPassphrase returns the passphrase from the environment or prompts for
// it on the terminal without echo.
func readPassphrase(prompt string) (string, error) {
	if p := os.Getenv(passphraseEnv); p != "" {
		return p, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to read the passphrase from; set %s", passphraseEnv)
	}

	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// readNewPassphrase prompts twice and requires both entries to match.
func readNewPassphrase() (string, error) {
	if p := os.Getenv(passphraseEnv); p != "" {
		return p, nil
	}

	first, err := readPassphrase("New passphrase: ")
	if err != nil {
		return "", err
	}
	second, err := readPassphrase("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passphrases do not match")
	}
	return first, nil
}
