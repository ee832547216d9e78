// Package capture records mesh traffic to pcapng files and manages the
// session lifecycle around them, locally or through a worker process.
package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
)

// pcapng block and option constants. The writer emits the subset of the
// format the readers we care about understand: one section header, two
// interfaces, enhanced packet blocks with a type comment.
const (
	blockSectionHeader   = 0x0A0D0D0A
	blockInterfaceDesc   = 0x00000001
	blockEnhancedPacket  = 0x00000006
	byteOrderMagic       = 0x1A2B3C4D
	sectionLengthUnknown = 0xFFFFFFFFFFFFFFFF

	// LINKTYPE_USER15, private use
	linkTypeMesh = 162

	optEndOfOpt  = 0
	optComment   = 1
	optIfName    = 2
	optIfDesc    = 3
	optIfTsresol = 9

	// microsecond timestamps
	tsresolMicros = 6
)

// Writer interface ids, fixed by emission order.
const (
	InterfaceRawFrame = 0
	InterfaceAppData  = 1
)

// Writer is an append-only pcapng writer. Every block is flushed as soon as
// it is written and the cumulative byte count is tracked in memory, never by
// re-reading the file.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	buf     *bufio.Writer
	written int64
	closed  bool
}

// NewWriter opens path for appending. A fresh file gets the section header
// and the two interface description blocks; re-attaching to a file that
// already has them resumes after the existing bytes.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errWriteFailed, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %w", errWriteFailed, err)
	}

	w := &Writer{f: f, buf: bufio.NewWriter(f), written: info.Size()}

	if w.written == 0 {
		if err := w.writeHeader(); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	return w, nil
}

func (w *Writer) writeHeader() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var body []byte
	body = binary.LittleEndian.AppendUint32(body, byteOrderMagic)
	body = binary.LittleEndian.AppendUint16(body, 1) // major
	body = binary.LittleEndian.AppendUint16(body, 0) // minor
	body = binary.LittleEndian.AppendUint64(body, sectionLengthUnknown)

	if err := w.writeBlock(blockSectionHeader, body); err != nil {
		return err
	}

	if err := w.writeInterface("mesh", "raw mesh frames"); err != nil {
		return err
	}

	if err := w.writeInterface("mesh-data", "decoded application data"); err != nil {
		return err
	}

	return w.flush()
}

func (w *Writer) writeInterface(name, desc string) error {
	var body []byte
	body = binary.LittleEndian.AppendUint16(body, linkTypeMesh)
	body = binary.LittleEndian.AppendUint16(body, 0) // reserved
	body = binary.LittleEndian.AppendUint32(body, 0) // snaplen unlimited

	body = appendOption(body, optIfName, []byte(name))
	body = appendOption(body, optIfDesc, []byte(desc))
	body = appendOption(body, optIfTsresol, []byte{tsresolMicros})
	body = appendEndOfOptions(body)

	return w.writeBlock(blockInterfaceDesc, body)
}

// WritePacket appends one enhanced packet block carrying payload on the
// given interface, annotated with a "type=<name>" comment so the payload's
// schema is discoverable from the file alone.
func (w *Writer) WritePacket(interfaceID uint32, ts time.Time, payload []byte, typeName string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errWriterClosed
	}

	micros := uint64(ts.UnixMicro())

	var body []byte
	body = binary.LittleEndian.AppendUint32(body, interfaceID)
	body = binary.LittleEndian.AppendUint32(body, uint32(micros>>32))
	body = binary.LittleEndian.AppendUint32(body, uint32(micros))
	body = binary.LittleEndian.AppendUint32(body, uint32(len(payload)))
	body = binary.LittleEndian.AppendUint32(body, uint32(len(payload)))
	body = append(body, payload...)
	body = pad4(body)

	body = appendOption(body, optComment, []byte("type="+typeName))
	body = appendEndOfOptions(body)

	if err := w.writeBlock(blockEnhancedPacket, body); err != nil {
		return err
	}

	return w.flush()
}

// writeBlock frames body as [type][total_len][body][total_len]. body must
// already be 4-byte aligned.
func (w *Writer) writeBlock(blockType uint32, body []byte) error {
	total := uint32(len(body)) + 12

	var block []byte
	block = binary.LittleEndian.AppendUint32(block, blockType)
	block = binary.LittleEndian.AppendUint32(block, total)
	block = append(block, body...)
	block = binary.LittleEndian.AppendUint32(block, total)

	n, err := w.buf.Write(block)
	w.written += int64(n)

	if err != nil {
		return fmt.Errorf("%w: %w", errWriteFailed, err)
	}

	return nil
}

func (w *Writer) flush() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("%w: %w", errWriteFailed, err)
	}

	return nil
}

// BytesWritten returns the cumulative byte count, header included.
func (w *Writer) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.written
}

// Close flushes and closes the file. Further writes fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true

	if err := w.buf.Flush(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("%w: %w", errWriteFailed, err)
	}

	return w.f.Close()
}

// appendOption emits [code:u16][len:u16][value padded to 4].
func appendOption(b []byte, code uint16, value []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, code)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(value)))
	b = append(b, value...)

	return pad4(b)
}

func appendEndOfOptions(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, optEndOfOpt)

	return binary.LittleEndian.AppendUint16(b, 0)
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}

	return b
}
