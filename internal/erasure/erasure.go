package erasure

import (
	"fmt"
	"math"

	"github.com/klauspost/reedsolomon"
	log "github.com/sirupsen/logrus"

	"github.com/driftbyte/shardpipe/internal/errors"
)

const (
	// MinShardSize is the smallest shard the network will accept (2 MiB).
	MinShardSize int64 = 2 * 1024 * 1024
	// MaxShardSize caps auto-sized shards at 4 GiB.
	MaxShardSize int64 = 4 * 1024 * 1024 * 1024

	shardMultiplesBack = 4
)

// Engine is a systematic Reed-Solomon coder over fixed-size shard buffers:
// k data shards and m parity shards, any k of which reconstruct the rest.
// Pure computation, no I/O.
type Engine struct {
	dataShards   int
	parityShards int
	enc          reedsolomon.Encoder
}

func NewEngine(dataShards, parityShards int) (*Engine, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, errors.NewTransferError(errors.FileParityError, err)
	}
	return &Engine{
		dataShards:   dataShards,
		parityShards: parityShards,
		enc:          enc,
	}, nil
}

func (e *Engine) DataShards() int   { return e.dataShards }
func (e *Engine) ParityShards() int { return e.parityShards }
func (e *Engine) TotalShards() int  { return e.dataShards + e.parityShards }

// EncodeParity fills the m parity slots of shards in place. The slice must
// hold k+m equal-length buffers with the first k populated; parity slots may
// be nil and are allocated if so.
func (e *Engine) EncodeParity(shards [][]byte) error {
	if len(shards) != e.TotalShards() {
		return errors.NewTransferError(errors.FileParityError,
			fmt.Errorf("expected %d shard buffers, got %d", e.TotalShards(), len(shards)))
	}
	shardSize := len(shards[0])
	for i := e.dataShards; i < len(shards); i++ {
		if shards[i] == nil {
			shards[i] = make([]byte, shardSize)
		}
	}
	if err := e.enc.Encode(shards); err != nil {
		return errors.NewTransferError(errors.FileParityError, err)
	}
	log.Debugf("generated %d parity shards of %d bytes", e.parityShards, shardSize)
	return nil
}

// ReconstructData rebuilds the missing (nil) data shards in place from any
// k available shards, leaving missing parity slots nil. This is the
// download finalization path: parity shards are never written to the
// destination. Fewer than k available shards is unrecoverable.
func (e *Engine) ReconstructData(shards [][]byte) error {
	if err := e.checkAvailable(shards); err != nil {
		return err
	}
	if err := e.enc.ReconstructData(shards); err != nil {
		return errors.NewTransferError(errors.FileUnrecoverable, err)
	}
	return nil
}

func (e *Engine) checkAvailable(shards [][]byte) error {
	available := 0
	for _, s := range shards {
		if s != nil {
			available++
		}
	}
	if available < e.dataShards {
		return errors.NewTransferError(errors.FileShardMissingError,
			fmt.Errorf("%w: have %d of %d required", errors.ErrInsufficientShards, available, e.dataShards))
	}
	return nil
}

// CheckScheme fails fast on any erasure scheme this engine does not
// implement. An empty scheme means the file was stored without redundancy.
func CheckScheme(scheme string) error {
	if scheme == "" {
		return nil
	}
	if scheme != "reedsolomon" {
		return errors.NewTransferError(errors.FileUnsupportedCoding,
			fmt.Errorf("unsupported erasure scheme %q", scheme))
	}
	return nil
}

// DetermineShardSize picks the shard size for a file: the smallest
// power-of-two multiple of MinShardSize whose single multiple covers the
// file, backed off by four multiples so small files still spread across
// several farmers.
func DetermineShardSize(fileSize int64) int64 {
	if fileSize <= 0 {
		return 0
	}
	for accumulator := 0; ; accumulator++ {
		byteMultiple := shardSizeAt(accumulator)
		if byteMultiple >= MaxShardSize {
			return MaxShardSize
		}
		if fileSize <= byteMultiple {
			hops := accumulator - shardMultiplesBack
			if hops < 0 {
				hops = 0
			}
			return shardSizeAt(hops)
		}
	}
}

func shardSizeAt(accumulator int) int64 {
	return MinShardSize << uint(accumulator)
}

// DefaultParityShards returns the default parity count for k data shards,
// ceil(k * 2/3).
func DefaultParityShards(dataShards int) int {
	return int(math.Ceil(float64(dataShards) * 2.0 / 3.0))
}

// ShardCount returns how many data shards a file of the given size splits
// into at the given shard size.
func ShardCount(fileSize, shardSize int64) int {
	if fileSize <= 0 || shardSize <= 0 {
		return 0
	}
	return int((fileSize + shardSize - 1) / shardSize)
}
