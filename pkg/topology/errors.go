package topology

import "errors"

var (
	errSelfLoop    = errors.New("refusing self-loop link")
	errNoEndpoints = errors.New("packet has no usable endpoints")
)
