package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/howeyc/gopass"
)

// passwordSource resolves the master password when neither the flag nor the
// environment provides one.
type passwordSource func() (string, error)

var errNoTerminal = errors.New("stdin is not a terminal")

// promptPassword reads the master password from r without echo. r must be a
// terminal. The prompt goes to w so stdout stays pure JSON.
func promptPassword(r io.Reader, w io.Writer) passwordSource {
	return func() (string, error) {
		in, ok := r.(gopass.FdReader)
		if !ok {
			return "", errNoTerminal
		}
		pass, err := gopass.GetPasswdPrompt("Master password: ", false, in, w)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pass), nil
	}
}
