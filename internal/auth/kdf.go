package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"hash"
)

const kdfRoot = "VMess AEAD KDF"

// hmacChain builds nested HMAC-SHA256 instances: the root keyed with
// kdfRoot, each path element keyed with its label and using its parent as the
// underlying hash.
type hmacChain struct {
	parent *hmacChain
	key    []byte
}

func (c *hmacChain) new() hash.Hash {
	if c.parent == nil {
		return hmac.New(sha256.New, c.key)
	}
	return hmac.New(c.parent.new, c.key)
}

// KDF derives 32 bytes from key along path.
func KDF(key []byte, path ...string) []byte {
	c := &hmacChain{key: []byte(kdfRoot)}
	for _, p := range path {
		c = &hmacChain{parent: c, key: []byte(p)}
	}
	h := c.new()
	h.Write(key)
	return h.Sum(nil)
}

// KDF16 is KDF truncated to an AES-128 key.
func KDF16(key []byte, path ...string) []byte {
	return KDF(key, path...)[:16]
}
