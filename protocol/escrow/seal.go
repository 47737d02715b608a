package escrow

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

// Seal anonymously encrypts plaintext for recipientPub using the
// libsodium "sealed box" construction on top of golang.org/x/crypto's
// nacl/box primitive: an ephemeral keypair is generated per call, the
// nonce is derived from both public keys so it never needs to be
// transmitted, and the ephemeral public key is prefixed to the
// ciphertext. Anyone can seal; only the holder of recipientPub's
// matching private key can open (spec.md C7, property R2).
func Seal(plaintext []byte, recipientPub *[32]byte) ([]byte, error) {
	ephPub, ephSec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("escrow: generate ephemeral key: %w", err)
	}
	nonce, err := sealNonce(ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	sealed := box.Seal(nil, plaintext, nonce, recipientPub, ephSec)
	out := make([]byte, 0, 32+len(sealed))
	out = append(out, ephPub[:]...)
	out = append(out, sealed...)
	return out, nil
}

// Open reverses Seal given the recipient's keypair.
func Open(sealed []byte, recipientPub, recipientSec *[32]byte) ([]byte, error) {
	if len(sealed) < 32 {
		return nil, fmt.Errorf("escrow: sealed box too short")
	}
	var ephPub [32]byte
	copy(ephPub[:], sealed[:32])
	nonce, err := sealNonce(&ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	plaintext, ok := box.Open(nil, sealed[32:], nonce, &ephPub, recipientSec)
	if !ok {
		return nil, fmt.Errorf("escrow: open sealed box: authentication failed")
	}
	return plaintext, nil
}

func sealNonce(ephPub, recipientPub *[32]byte) (*[24]byte, error) {
	h, err := blake2b.New(24, nil)
	if err != nil {
		return nil, fmt.Errorf("escrow: nonce hash: %w", err)
	}
	h.Write(ephPub[:])
	h.Write(recipientPub[:])
	sum := h.Sum(nil)
	var nonce [24]byte
	copy(nonce[:], sum)
	return &nonce, nil
}
