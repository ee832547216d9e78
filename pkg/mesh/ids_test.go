package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumToID(t *testing.T) {
	assert.Equal(t, "!00000929", NumToID(0x0929))
	assert.Equal(t, "!ffffffff", NumToID(Broadcast))
}

func TestIDToNum(t *testing.T) {
	n, err := IDToNum("!00000929")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0929), n)

	for _, bad := range []string{"", "!", "00000929", "!zzzz", "!1ffffffff"} {
		_, err := IDToNum(bad)
		assert.Error(t, err, "id %q", bad)
	}
}

func TestChannelHash(t *testing.T) {
	// XOR fold of the name bytes XORed with the fold of the key bytes.
	name := "LongFast"
	key := []byte{0xd4, 0xf1, 0xbb, 0x3a}

	want := XorHash([]byte(name)) ^ XorHash(key)
	assert.Equal(t, want, ChannelHash(name, key))

	assert.Equal(t, byte(0), XorHash(nil))
}

func TestPortNames(t *testing.T) {
	assert.Equal(t, "TEXT_MESSAGE_APP", PortTextMessage.String())
	assert.Equal(t, "TRACEROUTE_APP", PortTraceroute.String())
	assert.Equal(t, "UNKNOWN_511", PortNum(511).String())
}
