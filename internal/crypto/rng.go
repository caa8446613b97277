package crypto

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// DRBG is a hash-based deterministic random bit generator over an entropy
// pool. It is seeded from the system RNG and can incorporate additional
// entropy (a server-supplied nonce) before key generation. One instance is
// owned by exactly one crypto controller and is not safe for concurrent use.
type DRBG struct {
	pool    [64]byte
	counter uint64
	buf     []byte
}

// NewDRBG creates a generator seeded from the system RNG.
func NewDRBG() (*DRBG, error) {
	g := &DRBG{}
	seed := make([]byte, 64)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	g.mix(seed)
	return g, nil
}

// Reseed folds additional entropy into the pool. Output after a reseed
// depends on both the prior pool state and the new entropy.
func (g *DRBG) Reseed(entropy []byte) { g.mix(entropy) }

func (g *DRBG) mix(entropy []byte) {
	h := sha3.New512()
	h.Write(g.pool[:])
	h.Write(entropy)
	copy(g.pool[:], h.Sum(nil))
	g.counter = 0
	g.buf = nil
}

// Read fills p with generator output. It never fails.
func (g *DRBG) Read(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		if len(g.buf) == 0 {
			var ctr [8]byte
			binary.BigEndian.PutUint64(ctr[:], g.counter)
			g.counter++
			h := sha3.New512()
			h.Write(g.pool[:])
			h.Write(ctr[:])
			g.buf = h.Sum(nil)
		}
		c := copy(p, g.buf)
		g.buf = g.buf[c:]
		p = p[c:]
	}
	return n, nil
}
