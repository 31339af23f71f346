package chainhead

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the construction-time configuration enumerated in spec.md
// §6. There is no file/env loading here — process-wide configuration is
// an external collaborator concern per spec.md §1; callers build this
// struct however their own config layer produces values.
type Config struct {
	// MaxPinnedBlocks is the per-subscription cardinality cap.
	MaxPinnedBlocks int
	// MaxPinnedDuration is the per-subscription age cap.
	MaxPinnedDuration time.Duration
	// GenesisHash is returned verbatim (hex-encoded) by genesisHash.
	GenesisHash common.Hash
}

var (
	errMaxPinnedBlocksNotPositive   = errors.New("chainhead: MaxPinnedBlocks must be positive")
	errMaxPinnedDurationNotPositive = errors.New("chainhead: MaxPinnedDuration must be positive")
)

// Validate fails fast on an obviously broken configuration rather than
// letting a zero or negative limit silently make every subscription
// immediately unusable.
func (c Config) Validate() error {
	if c.MaxPinnedBlocks <= 0 {
		return errMaxPinnedBlocksNotPositive
	}
	if c.MaxPinnedDuration <= 0 {
		return errMaxPinnedDurationNotPositive
	}
	return nil
}
