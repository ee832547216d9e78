package capture

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readBlocks parses the [type][len][body][len] frame sequence of a pcapng
// file, checking both length copies agree.
func readBlocks(t *testing.T, path string) [][2][]byte {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var blocks [][2][]byte

	for len(data) > 0 {
		require.GreaterOrEqual(t, len(data), 12)

		blockType := data[:4]
		total := binary.LittleEndian.Uint32(data[4:8])
		require.Zero(t, total%4, "blocks are 4-byte aligned")
		require.GreaterOrEqual(t, len(data), int(total))

		trailing := binary.LittleEndian.Uint32(data[total-4 : total])
		require.Equal(t, total, trailing, "length duplicated at both ends")

		blocks = append(blocks, [2][]byte{blockType, data[8 : total-4]})
		data = data[total:]
	}

	return blocks
}

func TestWriterFileStructure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pcapng")

	w, err := NewWriter(path)
	require.NoError(t, err)

	ts := time.Date(2026, 8, 1, 12, 0, 0, 123456000, time.UTC)

	require.NoError(t, w.WritePacket(InterfaceRawFrame, ts, []byte{0xde, 0xad, 0xbe}, "mesh.MeshPacket"))
	require.NoError(t, w.WritePacket(InterfaceAppData, ts, []byte{0x08, 0x01}, "mesh.Data"))
	require.NoError(t, w.Close())

	blocks := readBlocks(t, path)
	require.Len(t, blocks, 5) // SHB, 2 IDBs, 2 EPBs

	// Section header: magic, version 1.0
	shb := blocks[0]
	assert.Equal(t, uint32(blockSectionHeader), binary.LittleEndian.Uint32(shb[0]))
	body := shb[1]
	assert.Equal(t, uint32(byteOrderMagic), binary.LittleEndian.Uint32(body[0:4]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(body[4:6]))
	assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(body[6:8]))

	for _, idb := range blocks[1:3] {
		assert.Equal(t, uint32(blockInterfaceDesc), binary.LittleEndian.Uint32(idb[0]))
		assert.Equal(t, uint16(linkTypeMesh), binary.LittleEndian.Uint16(idb[1][0:2]))
	}

	assert.Contains(t, string(blocks[1][1]), "mesh")
	assert.Contains(t, string(blocks[2][1]), "mesh-data")

	// First enhanced packet block: interface id, split timestamp, lengths.
	epb := blocks[3]
	require.Equal(t, uint32(blockEnhancedPacket), binary.LittleEndian.Uint32(epb[0]))
	body = epb[1]
	assert.Equal(t, uint32(InterfaceRawFrame), binary.LittleEndian.Uint32(body[0:4]))

	micros := uint64(binary.LittleEndian.Uint32(body[4:8]))<<32 |
		uint64(binary.LittleEndian.Uint32(body[8:12]))
	assert.Equal(t, ts.UnixMicro(), int64(micros))

	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(body[12:16]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(body[16:20]))
	assert.Equal(t, []byte{0xde, 0xad, 0xbe}, body[20:23])
	assert.Contains(t, string(body), "type=mesh.MeshPacket")

	assert.Contains(t, string(blocks[4][1]), "type=mesh.Data")
}

func TestWriterByteCountMatchesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "count.pcapng")

	w, err := NewWriter(path)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, w.WritePacket(InterfaceRawFrame, time.Now(), make([]byte, 10+i), "mesh.MeshPacket"))
	}

	counted := w.BytesWritten()
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), counted)
}

func TestWriterReattachAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.pcapng")

	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WritePacket(InterfaceRawFrame, time.Now(), []byte{1, 2, 3}, "mesh.MeshPacket"))

	first := w.BytesWritten()
	require.NoError(t, w.Close())

	w, err = NewWriter(path)
	require.NoError(t, err)
	assert.Equal(t, first, w.BytesWritten(), "resume picks up the existing size")

	require.NoError(t, w.WritePacket(InterfaceRawFrame, time.Now(), []byte{4}, "mesh.MeshPacket"))
	require.NoError(t, w.Close())

	blocks := readBlocks(t, path)
	assert.Len(t, blocks, 5, "one section header, two interfaces, two packets")
}

func TestWriterClosedRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.pcapng")

	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = w.WritePacket(InterfaceRawFrame, time.Now(), []byte{1}, "mesh.MeshPacket")
	require.ErrorIs(t, err, errWriterClosed)
}
