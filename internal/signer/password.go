// ABOUTME: Signing credential resolution from environment or terminal
// ABOUTME: Interactive password input suppresses terminal echo

package signer

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// Environment variables the original toolchain established.
const (
	// EnvUser names the builder identity.
	EnvUser = "SIGNDUSER"

	// EnvPassword carries the signing password. Recommended over the
	// interactive prompt for production builds.
	EnvPassword = "SIGNDPASS"
)

// ResolveUser returns the explicit user if set, else the environment's.
func ResolveUser(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if u := os.Getenv(EnvUser); u != "" {
		return u, nil
	}
	return "", fmt.Errorf("%w: set --builder or %s", ErrMissingCredentials, EnvUser)
}

// ResolvePassword returns the password from the environment, or prompts
// on the controlling terminal with echo suppressed. The caller owns the
// returned bytes and should zero them after use.
func ResolvePassword() ([]byte, error) {
	if p := os.Getenv(EnvPassword); p != "" {
		return []byte(p), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%w: %s unset and stdin is not a terminal", ErrMissingCredentials, EnvPassword)
	}

	fmt.Fprint(os.Stderr, "Password: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	if len(pass) == 0 {
		return nil, fmt.Errorf("%w: empty password", ErrMissingCredentials)
	}
	return []byte(strings.TrimRight(string(pass), "\r\n")), nil
}

// Wipe zeroes a secret in place.
func Wipe(secret []byte) {
	for i := range secret {
		secret[i] = 0
	}
}
