// Package store persists per-account session state and cookies. Loading is
// always best-effort: corrupt or missing data yields an empty state rather
// than an error, so a damaged cache never blocks a fresh login.
package store

import (
	"regexp"

	"github.com/dgellow/icloudctl/internal/cookiejar"
)

// DeviceTrackingCookie is dropped on every load, irrespective of its domain
// and path, so stale device-trust state never survives across logins.
const DeviceTrackingCookie = "X-APPLE-WEBAUTH-FMIP"

// Store persists session key/value snapshots and cookies for one or more
// accounts. Implementations must keep accounts isolated from each other.
type Store interface {
	// LoadState returns the persisted key/value snapshot for the account,
	// or an empty map when nothing (usable) is persisted. It never fails.
	LoadState(account string) map[string]string

	// SaveState persists the key/value snapshot for the account.
	SaveState(account string, state map[string]string) error

	// LoadCookies replaces the jar contents with the account's persisted
	// cookies, dropping the device-tracking cookie. It never fails.
	LoadCookies(account string, jar *cookiejar.Jar)

	// SaveCookies persists the jar contents for the account.
	SaveCookies(account string, jar *cookiejar.Jar) error
}

var nonWord = regexp.MustCompile(`\W`)

// SanitizeAccount strips non-word characters from an account identifier so
// distinct accounts map to distinct, filesystem-safe names.
func SanitizeAccount(account string) string {
	return nonWord.ReplaceAllString(account, "")
}
