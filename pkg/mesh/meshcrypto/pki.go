package meshcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/pion/dtls/v3/pkg/crypto/ccm"
	"golang.org/x/crypto/curve25519"
)

// PKI layout on the wire: AES-CCM ciphertext, 8-byte tag, 4-byte extra nonce.
const (
	pkiTagLen   = 8
	pkiExtraLen = 4
	pkiNonceLen = 13
)

// sharedKey derives the AES key for a node pair: X25519 shared secret hashed
// with SHA-256.
func sharedKey(priv, peerPub []byte) ([]byte, error) {
	if len(priv) != keyLen || len(peerPub) != keyLen {
		return nil, fmt.Errorf("%w: need %d-byte keys", ErrKeyFormat, keyLen)
	}

	secret, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFormat, err)
	}

	sum := sha256.Sum256(secret)

	return sum[:], nil
}

// pkiNonce builds the 13-byte CCM nonce. The base layout is packet id as LE64
// then sender as LE32; a non-zero extra nonce overwrites bytes 4-7, matching
// the firmware's in-place write of its 32-bit counter.
func pkiNonce(packetID, fromNum, extraNonce uint32) []byte {
	scratch := make([]byte, 16)
	binary.LittleEndian.PutUint64(scratch[0:8], uint64(packetID))
	binary.LittleEndian.PutUint32(scratch[8:12], fromNum)

	if extraNonce != 0 {
		binary.LittleEndian.PutUint32(scratch[4:8], extraNonce)
	}

	return scratch[:pkiNonceLen]
}

func pkiAEAD(priv, peerPub []byte) (cipher.AEAD, error) {
	key, err := sharedKey(priv, peerPub)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFormat, err)
	}

	// CCM with an 8-byte tag; L=2 gives the 13-byte nonce.
	aead, err := ccm.NewCCM(block, pkiTagLen, pkiNonceLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFormat, err)
	}

	return aead, nil
}

// DecryptPKI decrypts a direct-message payload addressed to the holder of
// receiverPriv. The payload carries ciphertext, the 8-byte tag, and the
// sender's 4-byte extra nonce.
func DecryptPKI(payload, senderPub, receiverPriv []byte, fromNum, packetID uint32) ([]byte, error) {
	if len(payload) <= pkiTagLen+pkiExtraLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedCiphertext, len(payload))
	}

	aead, err := pkiAEAD(receiverPriv, senderPub)
	if err != nil {
		return nil, err
	}

	split := len(payload) - pkiExtraLen
	extraNonce := binary.LittleEndian.Uint32(payload[split:])
	nonce := pkiNonce(packetID, fromNum, extraNonce)

	plain, err := aead.Open(nil, nonce, payload[:split], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	return plain, nil
}

// EncryptPKI encrypts plain for the holder of receiverPub, producing the
// ciphertext ∥ tag ∥ extra-nonce wire form.
func EncryptPKI(plain, receiverPub, senderPriv []byte, fromNum, packetID uint32) ([]byte, error) {
	aead, err := pkiAEAD(senderPriv, receiverPub)
	if err != nil {
		return nil, err
	}

	extraNonce, err := randomExtraNonce()
	if err != nil {
		return nil, err
	}

	nonce := pkiNonce(packetID, fromNum, extraNonce)
	out := aead.Seal(nil, nonce, plain, nil)

	out = binary.LittleEndian.AppendUint32(out, extraNonce)

	return out, nil
}

func randomExtraNonce() (uint32, error) {
	var b [pkiExtraLen]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrKeyFormat, err)
		}

		if n := binary.LittleEndian.Uint32(b[:]); n != 0 {
			return n, nil
		}
	}
}
