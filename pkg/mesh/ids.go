package mesh

import (
	"fmt"
	"strconv"
	"strings"
)

// NumToID renders a node number as its canonical string id: "!" followed by
// eight lowercase hex digits.
func NumToID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// IDToNum parses a canonical node id back to its node number.
func IDToNum(id string) (uint32, error) {
	s := strings.TrimPrefix(id, "!")
	if s == id || s == "" {
		return 0, fmt.Errorf("%w: %q", errBadNodeID, id)
	}

	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errBadNodeID, id)
	}

	return uint32(n), nil
}

// XorHash folds a byte slice to a single byte by XOR.
func XorHash(b []byte) byte {
	var h byte
	for _, c := range b {
		h ^= c
	}

	return h
}

// ChannelHash computes the one-byte channel identifier the radio stamps on
// encrypted frames: the XOR fold of the channel name XORed with the XOR fold
// of the key bytes.
func ChannelHash(name string, key []byte) byte {
	return XorHash([]byte(name)) ^ XorHash(key)
}
