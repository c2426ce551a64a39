// Package srp implements the client side of the SRP-6a password-authenticated
// key exchange as the remote auth service speaks it: the RFC 5054 2048-bit
// group, SHA-256, and the username excluded from the x computation. The
// password never goes on the wire; both sides prove knowledge of it through
// the exchanged public values and the derived session key.
package srp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"
)

// groupHex is the 2048-bit group from RFC 5054, Appendix A.
const groupHex = "AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050" +
	"A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50" +
	"E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B8" +
	"55F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773B" +
	"CA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748" +
	"544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6" +
	"AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB6" +
	"94B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73"

var (
	groupN = mustHexInt(groupHex)
	groupG = big.NewInt(2)
)

func mustHexInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("srp: bad group constant")
	}
	return n
}

const groupBytes = 256 // len(N) for the 2048-bit group

// ephemeralBits is the size of the client's ephemeral secret.
const ephemeralBits = 256

// pad left-pads b with zeros to the group size.
func pad(b []byte) []byte {
	if len(b) >= groupBytes {
		return b
	}
	out := make([]byte, groupBytes)
	copy(out[groupBytes-len(b):], b)
	return out
}

func hashBytes(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// Proofs holds the results of a completed challenge computation. M1 is the
// client proof submitted to the server, M2 the server proof the client
// expects back, Key the shared session key. The computation is a pure
// function of its inputs: identical inputs produce identical bytes.
type Proofs struct {
	M1  []byte
	M2  []byte
	Key []byte
}

// Client is one side of a single handshake attempt. A Client must not be
// reused across attempts; generate a fresh one (with fresh ephemeral key
// material) for every retry.
type Client struct {
	username string
	a        *big.Int
	bigA     *big.Int
}

// NewClient creates a client with a fresh random ephemeral key pair.
func NewClient(username string) (*Client, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), ephemeralBits)
	a, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral secret: %w", err)
	}
	return newClientWithSecret(username, a), nil
}

// newClientWithSecret makes the ephemeral secret injectable so tests can
// exercise the derivation deterministically.
func newClientWithSecret(username string, a *big.Int) *Client {
	return &Client{
		username: username,
		a:        a,
		bigA:     new(big.Int).Exp(groupG, a, groupN),
	}
}

// PublicA returns the client public value A for signin/init.
func (c *Client) PublicA() []byte {
	return c.bigA.Bytes()
}

// ProcessChallenge computes the shared session key and both proofs from the
// server's challenge. derivedPassword is the output of DerivePassword, salt
// and serverB come from the server verbatim.
func (c *Client) ProcessChallenge(derivedPassword, salt, serverB []byte) (*Proofs, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("empty salt")
	}
	bigB := new(big.Int).SetBytes(serverB)
	if new(big.Int).Mod(bigB, groupN).Sign() == 0 {
		return nil, fmt.Errorf("server public value is zero mod N")
	}

	// u = H(PAD(A) | PAD(B)); u == 0 would collapse the key derivation.
	u := new(big.Int).SetBytes(hashBytes(pad(c.bigA.Bytes()), pad(serverB)))
	if u.Sign() == 0 {
		return nil, fmt.Errorf("scrambling parameter is zero")
	}

	// x = H(salt | H(":" | P)) with the username left out of the inner hash.
	inner := hashBytes([]byte(":"), derivedPassword)
	x := new(big.Int).SetBytes(hashBytes(salt, inner))

	// k = H(N | PAD(g))
	k := new(big.Int).SetBytes(hashBytes(groupN.Bytes(), pad(groupG.Bytes())))

	// S = (B - k*g^x) ^ (a + u*x) mod N
	gx := new(big.Int).Exp(groupG, x, groupN)
	base := new(big.Int).Sub(bigB, new(big.Int).Mul(k, gx))
	base.Mod(base, groupN)
	exp := new(big.Int).Add(c.a, new(big.Int).Mul(u, x))
	s := new(big.Int).Exp(base, exp, groupN)

	key := hashBytes(pad(s.Bytes()))

	// M1 = H(H(N) xor H(g) | H(I) | salt | A | B | K)
	hN := hashBytes(groupN.Bytes())
	hG := hashBytes(pad(groupG.Bytes()))
	xor := make([]byte, len(hN))
	for i := range hN {
		xor[i] = hN[i] ^ hG[i]
	}
	m1 := hashBytes(xor, hashBytes([]byte(c.username)), salt, c.bigA.Bytes(), serverB, key)
	m2 := hashBytes(c.bigA.Bytes(), m1, key)

	return &Proofs{M1: m1, M2: m2, Key: key}, nil
}

// VerifyServerProof compares the server's proof against the expected M2 in
// constant time.
func (p *Proofs) VerifyServerProof(serverM2 []byte) bool {
	return subtle.ConstantTimeCompare(p.M2, serverM2) == 1
}
