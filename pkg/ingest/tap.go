package ingest

import (
	"time"

	"github.com/meshsight/meshsight/pkg/capture"
	"github.com/meshsight/meshsight/pkg/db"
	"github.com/meshsight/meshsight/pkg/decode"
)

// CaptureTap is a persistence-free envelope handler: it decrypts and decodes
// frames only to feed capture sessions. The capture worker runs its adapters
// through a tap so packet rows stay owned by the ingest daemon.
type CaptureTap struct {
	store db.Service
	pcap  *capture.Service
}

func NewCaptureTap(store db.Service, pcap *capture.Service) *CaptureTap {
	return &CaptureTap{store: store, pcap: pcap}
}

// HandleEnvelope feeds one frame to the matching capture sessions.
func (t *CaptureTap) HandleEnvelope(env *Envelope) error {
	pkt := env.Packet
	if pkt == nil || (pkt.Decoded == nil && len(pkt.Encrypted) == 0) {
		return errEmptyFrame
	}

	rxTime := time.Now().UTC()
	if pkt.RxTime != 0 {
		rxTime = time.Unix(int64(pkt.RxTime), 0).UTC()
	}

	channel, err := t.store.GetOrCreateChannel(env.ChannelID, rxTime)
	if err != nil {
		return err
	}

	data := pkt.Decoded
	if data == nil {
		data = decryptFrame(t.store, pkt, channel)
	}

	var fragments []decode.Decoded
	if data != nil {
		fragments = decode.Decode(data.Portnum, data.Payload)
	}

	t.pcap.HandleFrame(packetRow(env, rxTime), pkt.Marshal(), fragments)

	return nil
}
