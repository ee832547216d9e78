// Package meshcrypto implements the two cipher paths of the mesh radio
// protocol: AES-CTR for shared-channel traffic and X25519 + AES-CCM for
// direct (PKI) traffic.
package meshcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"

	"github.com/meshsight/meshsight/pkg/mesh"
)

// DefaultPSK is the well-known default channel key. A one-byte PSK of "AQ=="
// on the wire is shorthand for it.
const DefaultPSK = "1PG7OiApB1nwvP+rz05pAQ=="

const pskPlaceholder = "AQ=="

// ChannelKey decodes a channel PSK to AES key bytes. The empty string and the
// one-byte placeholder both resolve to the default key.
func ChannelKey(psk string) ([]byte, error) {
	if psk == "" || psk == pskPlaceholder {
		psk = DefaultPSK
	}

	key, err := base64.StdEncoding.DecodeString(psk)
	if err != nil {
		return nil, ErrKeyFormat
	}

	switch len(key) {
	case 16, 32:
		return key, nil
	default:
		return nil, ErrKeyFormat
	}
}

// channelNonce builds the 16-byte CTR nonce: packet id as LE64 followed by
// the sender as LE64.
func channelNonce(packetID, fromNum uint32) []byte {
	nonce := make([]byte, 16)
	binary.LittleEndian.PutUint64(nonce[0:8], uint64(packetID))
	binary.LittleEndian.PutUint64(nonce[8:16], uint64(fromNum))

	return nonce
}

func channelXCrypt(key, nonce, in []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil
	}

	out := make([]byte, len(in))
	cipher.NewCTR(block, nonce).XORKeyStream(out, in)

	return out
}

// DecryptChannel decrypts a channel-encrypted packet and parses the inner
// Data payload. When name is non-empty the packet's channel hash is checked
// first; a mismatch, bad key, or unparsable plaintext all yield nil.
func DecryptChannel(name, psk string, pkt *mesh.MeshPacket) *mesh.Data {
	if pkt == nil || len(pkt.Encrypted) == 0 {
		return nil
	}

	key, err := ChannelKey(psk)
	if err != nil {
		return nil
	}

	if name != "" && byte(pkt.Channel) != mesh.ChannelHash(name, key) {
		return nil
	}

	plain := channelXCrypt(key, channelNonce(pkt.ID, pkt.From), pkt.Encrypted)
	if plain == nil {
		return nil
	}

	data, err := mesh.UnmarshalData(plain)
	if err != nil || data.Portnum == mesh.PortUnknown {
		return nil
	}

	return data
}

// EncryptChannel encrypts the packet's Decoded payload in place: Encrypted
// and the channel hash are set, Decoded is cleared.
func EncryptChannel(name, psk string, pkt *mesh.MeshPacket) error {
	key, err := ChannelKey(psk)
	if err != nil {
		return err
	}

	plain := pkt.Decoded.Marshal()
	ct := channelXCrypt(key, channelNonce(pkt.ID, pkt.From), plain)
	if ct == nil {
		return ErrKeyFormat
	}

	pkt.Encrypted = ct
	pkt.Decoded = nil
	pkt.Channel = uint32(mesh.ChannelHash(name, key))

	return nil
}
