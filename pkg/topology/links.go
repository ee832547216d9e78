package topology

import (
	"fmt"
	"time"

	"github.com/meshsight/meshsight/pkg/models"
)

// CanonicalPair orients an unordered node pair: the lower node number comes
// first. Node numbers are unique, so the string-id tiebreak of the stored
// form never changes the answer.
func CanonicalPair(a, b int64) (int64, int64) {
	if a <= b {
		return a, b
	}

	return b, a
}

// RecordActivity notes one packet flowing srcNum -> dstNum on an undirected
// link. The link is fetched or created in canonical orientation, the matching
// directional counter is bumped atomically, and the refreshed row is
// returned. Self-loops are rejected.
func (b *Builder) RecordActivity(srcNum, dstNum, packetID int64, seen time.Time, channelRowID int64) (*models.NodeLink, error) {
	if srcNum == dstNum {
		return nil, fmt.Errorf("%w: node %d", errSelfLoop, srcNum)
	}

	nodeA, nodeB := CanonicalPair(srcNum, dstNum)

	dir := models.DirectionAToB
	if srcNum != nodeA {
		dir = models.DirectionBToA
	}

	link, err := b.store.GetOrCreateNodeLink(nodeA, nodeB, seen)
	if err != nil {
		return nil, err
	}

	link, err = b.store.IncrementNodeLinkCounter(link.ID, dir, packetID, seen)
	if err != nil {
		return nil, err
	}

	if channelRowID != 0 {
		if err := b.store.AttachNodeLinkChannel(link.ID, channelRowID); err != nil {
			return nil, err
		}
	}

	return link, nil
}
