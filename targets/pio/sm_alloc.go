//go:build rp2040

package pio

import (
	rp2pio "github.com/tinygo-org/pio/rp2-pio"
)

// The chip has two PIO blocks with four state machines each. Motor
// outputs claim machines round-robin, so the serializer program is only
// loaded into a block once something actually runs there.
var (
	smClaimed [2][4]bool
	nextPIO   uint8
	nextSM    uint8
)

const maxStateMachines = 8

func pioBlock(n uint8) *rp2pio.PIO {
	if n == 0 {
		return rp2pio.PIO0
	}
	return rp2pio.PIO1
}

// allocateStateMachine hands out the next free machine, or ok=false when
// all eight are claimed.
func allocateStateMachine() (pioNum, smNum uint8, ok bool) {
	for i := 0; i < maxStateMachines; i++ {
		p, s := nextPIO, nextSM
		nextSM++
		if nextSM >= 4 {
			nextSM = 0
			nextPIO = (nextPIO + 1) % 2
		}
		if !smClaimed[p][s] {
			smClaimed[p][s] = true
			return p, s, true
		}
	}
	return 0, 0, false
}

func releaseStateMachine(pioNum, smNum uint8) {
	smClaimed[pioNum][smNum] = false
}
