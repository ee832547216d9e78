package ingest

import "errors"

var (
	errEmptyFrame   = errors.New("frame carries no payload")
	errNotConnected = errors.New("transport not connected")
)
