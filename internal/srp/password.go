package srp

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Protocol selects how the raw password is turned into the symmetric input
// the key exchange consumes. The server announces which protocol it picked in
// the signin/init response.
type Protocol string

const (
	// ProtocolS2K feeds the SHA-256 digest of the password to PBKDF2.
	ProtocolS2K Protocol = "s2k"
	// ProtocolS2KFO feeds the lowercase-hex form of the digest instead.
	ProtocolS2KFO Protocol = "s2k_fo"
)

// Protocols lists what the client offers in signin/init, in preference order.
func Protocols() []string {
	return []string{string(ProtocolS2K), string(ProtocolS2KFO)}
}

// DerivePassword maps the raw secret to the fixed-length symmetric input the
// exchange requires: a SHA-256 pre-hash (mandatory, so the input length never
// depends on the user's password length) followed by PBKDF2-HMAC-SHA256 with
// the server-provided salt and iteration count.
func DerivePassword(protocol Protocol, password string, salt []byte, iterations, keyLength int) ([]byte, error) {
	if iterations <= 0 {
		return nil, fmt.Errorf("invalid iteration count %d", iterations)
	}
	if keyLength <= 0 {
		return nil, fmt.Errorf("invalid key length %d", keyLength)
	}

	digest := sha256.Sum256([]byte(password))

	var input []byte
	switch protocol {
	case ProtocolS2K:
		input = digest[:]
	case ProtocolS2KFO:
		input = []byte(hex.EncodeToString(digest[:]))
	default:
		return nil, fmt.Errorf("unsupported protocol %q", protocol)
	}

	return pbkdf2.Key(input, salt, iterations, keyLength, sha256.New), nil
}
