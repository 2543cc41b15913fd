package input

import "time"

const (
	testEventuallyTimeout = time.Second
	testEventuallyTick    = time.Millisecond
)
