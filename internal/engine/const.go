package engine

import "time"

// Tunable constants named by spec §6.
const (
	MaxUDPFlows     = 200
	UDPIdleTimeout  = 60 * time.Second
	StackTick       = 250 * time.Millisecond
	UDPReapTick     = 1 * time.Second
	TCPMSS          = 1360
	TCPWindow       = 64 * TCPMSS
	TCPSendBuffer   = 64 * TCPMSS
)
