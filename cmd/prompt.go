package cmd

import (
	"errors"
	"strings"

	"github.com/chzyer/readline"
)

// errPromptCancelled is returned when the user interrupts a prompt.
var errPromptCancelled = errors.New("cancelled")

// promptCredentials asks for whatever of username and password is missing.
// The password is never echoed.
func promptCredentials(username, password string) (string, string, error) {
	if username != "" && password != "" {
		return username, password, nil
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "User ID: ",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return "", "", err
	}
	defer rl.Close()

	if username == "" {
		line, err := rl.Readline()
		if err != nil {
			return "", "", promptError(err)
		}
		username = strings.TrimSpace(line)
	}
	if password == "" {
		pw, err := rl.ReadPassword("Password: ")
		if err != nil {
			return "", "", promptError(err)
		}
		password = string(pw)
	}
	return username, password, nil
}

func promptError(err error) error {
	if errors.Is(err, readline.ErrInterrupt) {
		return errPromptCancelled
	}
	return err
}
