package config

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

type checkpointFile struct {
	Checkpoints []checkpointEntry `toml:"checkpoint"`
}

type checkpointEntry struct {
	Height int32  `toml:"height"`
	Hash   string `toml:"hash"`
}

// LoadCheckpoints returns the checkpoints of params merged with the ones
// found in path, sorted by height. A missing file yields the built-in
// checkpoints only. A file entry conflicting with a built-in checkpoint at
// the same height is an error.
func LoadCheckpoints(path string, params *chaincfg.Params) ([]chaincfg.Checkpoint, error) {
	byHeight := make(map[int32]chaincfg.Checkpoint, len(params.Checkpoints))
	for _, cp := range params.Checkpoints {
		byHeight[cp.Height] = cp
	}

	if path != "" && fileExists(path) {
		var file checkpointFile
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, fmt.Errorf("decoding checkpoints file %s: %w", path, err)
		}
		for i, entry := range file.Checkpoints {
			if entry.Height <= 0 {
				return nil, fmt.Errorf("checkpoint #%d: height must be positive, got %d", i, entry.Height)
			}
			hash, err := chainhash.NewHashFromStr(entry.Hash)
			if err != nil {
				return nil, fmt.Errorf("checkpoint #%d: %w", i, err)
			}
			if existing, ok := byHeight[entry.Height]; ok && !existing.Hash.IsEqual(hash) {
				return nil, fmt.Errorf("checkpoint at height %d conflicts: %v != %v",
					entry.Height, existing.Hash, hash)
			}
			byHeight[entry.Height] = chaincfg.Checkpoint{Height: entry.Height, Hash: hash}
		}
	}

	out := make([]chaincfg.Checkpoint, 0, len(byHeight))
	for _, cp := range byHeight {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out, nil
}

// WriteCheckpoints stores checkpoints in path using the format read by
// LoadCheckpoints.
func WriteCheckpoints(path string, checkpoints []chaincfg.Checkpoint) error {
	file := checkpointFile{Checkpoints: make([]checkpointEntry, 0, len(checkpoints))}
	for _, cp := range checkpoints {
		file.Checkpoints = append(file.Checkpoints, checkpointEntry{Height: cp.Height, Hash: cp.Hash.String()})
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(file); err != nil {
		return err
	}
	return writeFile(path, buf.Bytes(), 0644)
}
