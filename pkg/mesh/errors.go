package mesh

import "errors"

var (
	errBadNodeID    = errors.New("invalid node id")
	errTruncated    = errors.New("truncated message")
	errBadWireField = errors.New("malformed field")
)
