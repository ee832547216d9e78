// Package reach tracks node reachability: latency probes, their responses,
// and the keepalive scheduler that sends them.
package reach

import (
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/meshsight/meshsight/pkg/db"
	"github.com/meshsight/meshsight/pkg/models"
)

const (
	defaultMaxTries = 3
	defaultWindow   = time.Minute

	// pending rows scanned when correlating a response
	correlationDepth = 25
)

// Tracker owns probe lifecycle state: a pending history row per sent probe,
// resolved in place when the response arrives, with the node's live fields
// mirroring the latest outcome.
type Tracker struct {
	store db.Service

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	maxTries int
	window   time.Duration
}

// NewTracker returns a Tracker enforcing at most maxTries probes per node per
// window. Zero values select the defaults.
func NewTracker(store db.Service, maxTries int, window time.Duration) *Tracker {
	if maxTries <= 0 {
		maxTries = defaultMaxTries
	}

	if window <= 0 {
		window = defaultWindow
	}

	return &Tracker{
		store:    store,
		limiters: make(map[int64]*rate.Limiter),
		maxTries: maxTries,
		window:   window,
	}
}

// Allow reports whether another probe may be sent to the node now. Each node
// gets its own limiter; acquiring one holds the map lock, not a global probe
// lock.
func (t *Tracker) Allow(nodeNum int64) bool {
	t.mu.Lock()

	lim, ok := t.limiters[nodeNum]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.window/time.Duration(t.maxTries)), t.maxTries)
		t.limiters[nodeNum] = lim
	}

	t.mu.Unlock()

	return lim.Allow()
}

// RecordProbeSent writes the pending history row for a probe that just went
// out: unreachable until proven otherwise, latency unknown.
func (t *Tracker) RecordProbeSent(nodeNum, probeMessageID int64, method models.KeepaliveMethod, at time.Time) error {
	if !t.Allow(nodeNum) {
		return fmt.Errorf("%w: %d", errRateLimited, nodeNum)
	}

	_, err := t.store.InsertLatencyProbe(&models.LatencyProbe{
		NodeNum:        nodeNum,
		ProbeMessageID: probeMessageID,
		SentAt:         at,
		Reachable:      false,
		Method:         string(method),
	})

	return err
}

// HandleProbeResponse correlates a response with its pending probe row,
// updating it in place. Without a matching pending row a resolved row is
// created, so the history still ends at one row per probe. The node's live
// latency fields mirror the outcome either way.
//
// Correlation is best effort off the ingest path; failures are logged.
func (t *Tracker) HandleProbeResponse(nodeNum, probeMessageID int64, respondedAt time.Time) {
	latency, found := t.pendingLatency(nodeNum, probeMessageID, respondedAt)

	if found {
		updated, err := t.store.ResolveLatencyProbe(nodeNum, probeMessageID, latency, respondedAt)
		if err != nil {
			log.Printf("Failed to resolve probe %d for node %d: %v", probeMessageID, nodeNum, err)
			return
		}

		found = updated
	}

	if !found {
		_, err := t.store.InsertLatencyProbe(&models.LatencyProbe{
			NodeNum:        nodeNum,
			ProbeMessageID: probeMessageID,
			SentAt:         respondedAt,
			Reachable:      true,
			RespondedAt:    &respondedAt,
		})
		if err != nil {
			log.Printf("Failed to record unsolicited response from node %d: %v", nodeNum, err)
			return
		}
	}

	var ms *uint32
	if found {
		ms = &latency
	}

	if err := t.store.UpdateNodeLatency(nodeNum, true, ms); err != nil {
		log.Printf("Failed to mirror latency onto node %d: %v", nodeNum, err)
	}
}

// pendingLatency finds the matching pending row and computes the elapsed
// time. found is false when no pending row matches.
func (t *Tracker) pendingLatency(nodeNum, probeMessageID int64, respondedAt time.Time) (uint32, bool) {
	history, err := t.store.GetLatencyHistory(nodeNum, correlationDepth)
	if err != nil {
		log.Printf("Failed to load latency history for node %d: %v", nodeNum, err)
		return 0, false
	}

	for i := range history {
		p := &history[i]
		if p.ProbeMessageID != probeMessageID || p.LatencyMs != nil {
			continue
		}

		elapsed := respondedAt.Sub(p.SentAt)
		if elapsed < 0 {
			elapsed = 0
		}

		return uint32(elapsed.Milliseconds()), true
	}

	return 0, false
}

// MarkUnreachable records a failed probe outcome on the node's live fields.
func (t *Tracker) MarkUnreachable(nodeNum int64) error {
	return t.store.UpdateNodeLatency(nodeNum, false, nil)
}
