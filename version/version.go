package version

import "github.com/btcsuite/btcd/wire"

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = NodeSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// NodeSemVer is the semantic version of the node.
	NodeSemVer = "0.1.0"

	// ProtocolVersion is the peer protocol version the block codec follows.
	ProtocolVersion = wire.ProtocolVersion
)
