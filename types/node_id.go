package types

import (
	"errors"
	"fmt"
	"strings"
)

// NodeID is a peer identifier as assigned by the peer layer.
type NodeID string

// LocalNodeID tags blocks produced by this node (mining/staking).
const LocalNodeID NodeID = "local"

// Validate checks that the id is usable as a map key and in logs.
func (id NodeID) Validate() error {
	if len(id) == 0 {
		return errors.New("empty node ID")
	}
	if strings.ContainsAny(string(id), " \t\n") {
		return fmt.Errorf("node ID %q contains whitespace", string(id))
	}
	return nil
}

func (id NodeID) String() string { return string(id) }
