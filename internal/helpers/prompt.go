package helpers

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/term"

	"github.com/quantumauth-io/quantum-device-bridge/internal/securefile"
)

const minPasswordLen = 8

// PromptPassword reads a passphrase from the terminal without echo.
func PromptPassword(prompt string) ([]byte, error) {
	_, _ = fmt.Fprint(os.Stderr, prompt)

	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	_, _ = fmt.Fprintln(os.Stderr)
	if err != nil {
		securefile.ZeroBytes(pw)
		return nil, errors.Wrap(err, "password input failed")
	}
	if err := ValidatePassword(pw); err != nil {
		securefile.ZeroBytes(pw)
		return nil, err
	}
	return pw, nil
}

func ValidatePassword(pw []byte) error {
	if len(pw) < minPasswordLen {
		return errors.Newf("password must be at least %d characters long", minPasswordLen)
	}
	for _, b := range pw {
		if !IsAllowedPasswordChar(b) {
			return errors.New("password contains invalid characters (use letters, numbers, and special characters only)")
		}
	}
	return nil
}

// IsAllowedPasswordChar admits printable ASCII except space.
func IsAllowedPasswordChar(b byte) bool {
	return b > ' ' && b < 0x7f
}

// PromptYesNo reads one line from in. Only "y" and "yes" count as yes.
func PromptYesNo(in io.Reader, msg string) (bool, error) {
	fmt.Print(msg)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	s := strings.TrimSpace(strings.ToLower(line))
	return s == "y" || s == "yes", nil
}
