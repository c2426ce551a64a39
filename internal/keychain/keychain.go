// Package keychain stores account passwords in the OS credential store so
// the CLI never needs them on the command line.
package keychain

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// service namespaces our entries in the OS store.
const service = "icloudctl://icloud-password"

// ErrNotFound is returned when no password is stored for the account.
var ErrNotFound = errors.New("no stored password for account")

// Get retrieves the stored password for an account.
func Get(account string) (string, error) {
	secret, err := keyring.Get(service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return secret, err
}

// Exists reports whether a password is stored for the account.
func Exists(account string) bool {
	_, err := Get(account)
	return err == nil
}

// Set stores the password for an account, replacing any previous entry.
func Set(account, password string) error {
	return keyring.Set(service, account, password)
}

// Delete removes the stored password for an account. Deleting a missing
// entry is not an error.
func Delete(account string) error {
	err := keyring.Delete(service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
