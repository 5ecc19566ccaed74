package types

import (
	"fmt"
)

// EventDataTipChanged is published once per committed tip transition.
// Disconnected is ordered from the old tip downwards, Connected from the fork
// point upwards.
type EventDataTipChanged struct {
	OldTip       *ChainedHeader
	NewTip       *ChainedHeader
	Disconnected []*ChainedHeader
	Connected    []*ChainedHeader
}

// IsReorg reports whether the transition disconnected any block.
func (e EventDataTipChanged) IsReorg() bool {
	return len(e.Disconnected) > 0
}

func (e EventDataTipChanged) String() string {
	return fmt.Sprintf("TipChanged{%v -> %v, disconnected: %d, connected: %d}",
		e.OldTip, e.NewTip, len(e.Disconnected), len(e.Connected))
}
