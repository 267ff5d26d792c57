package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/codefionn/roomsync/internal/config"
	"github.com/codefionn/roomsync/internal/secrets"
	"github.com/codefionn/roomsync/internal/securemem"
	"golang.org/x/term"
)

// unlockSecret returns the room secret from the config, opening it with the
// config password when it is sealed, or asks for it.
func unlockSecret(cfg *config.Config, username string) (*securemem.String, error) {
	if username == "" {
		return nil, errors.New("no username: set \"username\" in the config or pass -user")
	}
	if cfg.Secret == "" {
		raw, err := promptForSecret(fmt.Sprintf("Secret for %s: ", username))
		if err != nil {
			return nil, err
		}
		return securemem.NewStringFromBytes(raw), nil
	}
	if !cfg.SecretSealed() {
		return cfg.LoadSecret("")
	}

	if password := os.Getenv(config.PasswordEnv); password != "" {
		return cfg.LoadSecret(password)
	}
	for attempt := 0; attempt < 3; attempt++ {
		raw, err := promptForSecret("Config password: ")
		if err != nil {
			return nil, err
		}
		secret, err := cfg.LoadSecret(string(raw))
		securemem.Wipe(raw)
		if errors.Is(err, secrets.ErrInvalidPassword) {
			fmt.Fprintln(os.Stderr, "Invalid password, please try again.")
			continue
		}
		return secret, err
	}
	return nil, errors.New("too many invalid password attempts")
}

// promptForSecret reads one line without echo when stdin is a terminal.
func promptForSecret(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		return bytes.TrimSpace(b), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return bytes.TrimSpace(line), nil
}
