package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"
)

// GetDatabasePassword retrieves the ledger database password from the
// environment or, failing that, prompts for it with hidden input.
// Environment variable takes precedence: FEEDDRIFT_DB_PASSWORD.
func GetDatabasePassword() (string, error) {
	if password := os.Getenv("FEEDDRIFT_DB_PASSWORD"); password != "" {
		return password, nil
	}

	fmt.Print("Enter database password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	password := string(passwordBytes)
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}

	return password, nil
}

// DSNNeedsPassword reports whether a postgres:// DSN names a user but carries
// no password, meaning the operator must supply one out of band.
func DSNNeedsPassword(dsn string) bool {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return false
	}
	if u.User.Username() == "" {
		return false
	}
	_, has := u.User.Password()
	return !has
}

// DSNWithPassword returns the DSN with the given password inserted for the
// configured user.
func DSNWithPassword(dsn, password string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("failed to parse DSN: %w", err)
	}
	if u.User == nil || u.User.Username() == "" {
		return dsn, nil
	}
	u.User = url.UserPassword(u.User.Username(), password)
	return u.String(), nil
}

// Redacted returns the DSN with any password replaced, for log output.
func Redacted(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return strings.ReplaceAll(u.String(), "xxxxx", "*****")
}
