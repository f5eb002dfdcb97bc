package header

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/philsphicas/tunl/internal/auth"
	"github.com/philsphicas/tunl/internal/protocol"
)

const (
	kdfLengthKey   = "VMess Header AEAD Key_Length"
	kdfLengthNonce = "VMess Header AEAD Nonce_Length"
	kdfHeaderKey   = "VMess Header AEAD Key"
	kdfHeaderNonce = "VMess Header AEAD Nonce"

	kdfRespLengthKey = "AEAD Resp Header Len Key"
	kdfRespLengthIV  = "AEAD Resp Header Len IV"
	kdfRespKey       = "AEAD Resp Header Key"
	kdfRespIV        = "AEAD Resp Header IV"

	gcmOverhead = 16
	nonceSize   = 8

	// sealedLengthSize is a GCM-sealed BE16 length.
	sealedLengthSize = 2 + gcmOverhead
)

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("header cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// requestAEADs returns the length and header ciphers with their nonces for
// one request.
func requestAEADs(id *auth.ID, authID [auth.TagSize]byte, nonce []byte) (lenAEAD cipher.AEAD, lenNonce []byte, hdrAEAD cipher.AEAD, hdrNonce []byte, err error) {
	a, n := string(authID[:]), string(nonce)
	if lenAEAD, err = newGCM(auth.KDF16(id.CmdKey[:], kdfLengthKey, a, n)); err != nil {
		return
	}
	lenNonce = auth.KDF(id.CmdKey[:], kdfLengthNonce, a, n)[:12]
	if hdrAEAD, err = newGCM(auth.KDF16(id.CmdKey[:], kdfHeaderKey, a, n)); err != nil {
		return
	}
	hdrNonce = auth.KDF(id.CmdKey[:], kdfHeaderNonce, a, n)[:12]
	return
}

func sealAEAD(id *auth.ID, authID [auth.TagSize]byte, plain []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("header nonce: %w", err)
	}
	lenAEAD, lenNonce, hdrAEAD, hdrNonce, err := requestAEADs(id, authID, nonce)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, auth.TagSize+sealedLengthSize+nonceSize+len(plain)+gcmOverhead)
	out = append(out, authID[:]...)
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(plain)))
	out = lenAEAD.Seal(out, lenNonce, length[:], authID[:])
	out = append(out, nonce...)
	out = hdrAEAD.Seal(out, hdrNonce, plain, authID[:])
	return out, nil
}

// openAEAD reads the rest of an AEAD request header whose authID has already
// been consumed and verified.
func openAEAD(r io.Reader, id *auth.ID, authID [auth.TagSize]byte) (*protocol.RequestHeader, error) {
	var head [sealedLengthSize + nonceSize]byte
	if err := readFull(r, head[:]); err != nil {
		return nil, err
	}
	nonce := head[sealedLengthSize:]
	lenAEAD, lenNonce, hdrAEAD, hdrNonce, err := requestAEADs(id, authID, nonce)
	if err != nil {
		return nil, err
	}

	length, err := lenAEAD.Open(nil, lenNonce, head[:sealedLengthSize], authID[:])
	if err != nil {
		return nil, &protocol.HeaderError{Kind: protocol.HeaderBadSeal, Detail: "length"}
	}
	n := int(binary.BigEndian.Uint16(length))
	if n < protocol.MinRequestSize || n > protocol.MaxRequestSize {
		return nil, &protocol.HeaderError{Kind: protocol.HeaderBadLength, Detail: fmt.Sprintf("%d bytes", n)}
	}

	sealed := make([]byte, n+gcmOverhead)
	if err := readFull(r, sealed); err != nil {
		return nil, err
	}
	plain, err := hdrAEAD.Open(sealed[:0], hdrNonce, sealed, authID[:])
	if err != nil {
		return nil, &protocol.HeaderError{Kind: protocol.HeaderBadSeal, Detail: "header"}
	}
	h, consumed, err := protocol.DecodeRequest(plain)
	if err != nil {
		return nil, err
	}
	if consumed != n {
		return nil, &protocol.HeaderError{Kind: protocol.HeaderBadLength, Detail: fmt.Sprintf("%d trailing bytes", n-consumed)}
	}
	return h, nil
}

// responseAEADs returns the length and header ciphers for an AEAD response.
func responseAEADs(k SessionKeys) (lenAEAD cipher.AEAD, lenNonce []byte, hdrAEAD cipher.AEAD, hdrNonce []byte, err error) {
	if lenAEAD, err = newGCM(auth.KDF16(k.ResponseKey[:], kdfRespLengthKey)); err != nil {
		return
	}
	lenNonce = auth.KDF(k.ResponseIV[:], kdfRespLengthIV)[:12]
	if hdrAEAD, err = newGCM(auth.KDF16(k.ResponseKey[:], kdfRespKey)); err != nil {
		return
	}
	hdrNonce = auth.KDF(k.ResponseIV[:], kdfRespIV)[:12]
	return
}

func sealAEADResponse(k SessionKeys, plain []byte) ([]byte, error) {
	lenAEAD, lenNonce, hdrAEAD, hdrNonce, err := responseAEADs(k)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, sealedLengthSize+len(plain)+gcmOverhead)
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(plain)))
	out = lenAEAD.Seal(out, lenNonce, length[:], nil)
	out = hdrAEAD.Seal(out, hdrNonce, plain, nil)
	return out, nil
}

// maxResponseSize bounds the plaintext response header a client accepts.
const maxResponseSize = 1024

func openAEADResponse(r io.Reader, k SessionKeys) ([]byte, error) {
	lenAEAD, lenNonce, hdrAEAD, hdrNonce, err := responseAEADs(k)
	if err != nil {
		return nil, err
	}
	var sealedLen [sealedLengthSize]byte
	if err := readFull(r, sealedLen[:]); err != nil {
		return nil, err
	}
	length, err := lenAEAD.Open(nil, lenNonce, sealedLen[:], nil)
	if err != nil {
		return nil, &protocol.HeaderError{Kind: protocol.HeaderBadSeal, Detail: "response length"}
	}
	n := int(binary.BigEndian.Uint16(length))
	if n < protocol.ResponseHeaderSize || n > maxResponseSize {
		return nil, &protocol.HeaderError{Kind: protocol.HeaderBadLength, Detail: fmt.Sprintf("response %d bytes", n)}
	}
	sealed := make([]byte, n+gcmOverhead)
	if err := readFull(r, sealed); err != nil {
		return nil, err
	}
	plain, err := hdrAEAD.Open(sealed[:0], hdrNonce, sealed, nil)
	if err != nil {
		return nil, &protocol.HeaderError{Kind: protocol.HeaderBadSeal, Detail: "response header"}
	}
	return plain, nil
}
