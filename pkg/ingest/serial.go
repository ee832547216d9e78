package ingest

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"

	"go.bug.st/serial"

	"github.com/meshsight/meshsight/pkg/mesh"
)

// Serial stream framing: each frame is two marker bytes, a big-endian length,
// and the frame body. Bytes outside a frame are discarded, so the reader can
// attach mid-stream and resynchronize on the next marker.
const (
	serialStart1   = 0x94
	serialStart2   = 0xc3
	serialMaxFrame = 512

	defaultBaudRate = 115200
)

// SerialConfig configures the local radio link.
type SerialConfig struct {
	Port string `json:"port"`
	Baud int    `json:"baud,omitempty"`
}

// SerialAdapter reads framed mesh packets off a local serial link. The local
// link has no gateway identity and no named channel: frames are attributed to
// channel "0".
type SerialAdapter struct {
	handler Handler
	cfg     SerialConfig

	mu   sync.Mutex
	port serial.Port
}

func NewSerialAdapter(handler Handler, cfg SerialConfig) *SerialAdapter {
	return &SerialAdapter{handler: handler, cfg: cfg}
}

// NormalizeSerial parses one framed body into an envelope.
func NormalizeSerial(frame []byte) (*Envelope, bool) {
	pkt, err := mesh.UnmarshalMeshPacket(frame)
	if err != nil || (pkt.Decoded == nil && len(pkt.Encrypted) == 0) {
		return nil, false
	}

	return &Envelope{ChannelID: "0", Packet: pkt, AdapterID: AdapterSerial}, true
}

func (a *SerialAdapter) Start(ctx context.Context) error {
	baud := a.cfg.Baud
	if baud == 0 {
		baud = defaultBaudRate
	}

	port, err := serial.Open(a.cfg.Port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", a.cfg.Port, err)
	}

	a.mu.Lock()
	a.port = port
	a.mu.Unlock()

	log.Printf("Serial adapter reading %s at %d baud", a.cfg.Port, baud)

	go a.readLoop(ctx, port)

	return nil
}

func (a *SerialAdapter) Stop(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.port == nil {
		return nil
	}

	err := a.port.Close()
	a.port = nil

	return err
}

func (a *SerialAdapter) readLoop(ctx context.Context, port serial.Port) {
	r := bufio.NewReader(port)

	for {
		frame, err := readFrame(r)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("Serial read on %s failed: %v", a.cfg.Port, err)
			}

			return
		}

		env, ok := NormalizeSerial(frame)
		if !ok {
			continue
		}

		if err := a.handler.HandleEnvelope(env); err != nil {
			log.Printf("Failed to ingest serial frame: %v", err)
		}
	}
}

// readFrame scans to the next frame marker and returns the body. Implausible
// lengths restart the scan rather than consuming garbage as a frame.
func readFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}

		if b != serialStart1 {
			continue
		}

		b, err = r.ReadByte()
		if err != nil {
			return nil, err
		}

		if b != serialStart2 {
			continue
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}

		n := binary.BigEndian.Uint16(lenBuf[:])
		if n == 0 || n > serialMaxFrame {
			continue
		}

		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}

		return body, nil
	}
}

// Publish writes a framed packet out the serial link.
func (a *SerialAdapter) Publish(_ context.Context, pkt *mesh.MeshPacket) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.port == nil {
		return errNotConnected
	}

	_, err := a.port.Write(frameBytes(pkt.Marshal()))

	return err
}

func frameBytes(body []byte) []byte {
	out := make([]byte, 0, len(body)+4)
	out = append(out, serialStart1, serialStart2)
	out = binary.BigEndian.AppendUint16(out, uint16(len(body)))

	return append(out, body...)
}
