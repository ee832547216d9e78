package meshcrypto

import "errors"

var (
	// ErrKeyFormat means the key material could not be parsed into a usable key.
	ErrKeyFormat = errors.New("invalid key material")
	// ErrAuthFailed means the authentication tag did not verify.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrMalformedCiphertext means the ciphertext is too short to carry the
	// tag and trailing nonce.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)
