package reach

import "errors"

var (
	errNoSender    = errors.New("keepalive publish config has no sender node")
	errRateLimited = errors.New("probe rate limit reached for node")
	errNoPublisher = errors.New("no publisher wired")
)
