package transfer

import (
	"context"

	"github.com/driftbyte/shardpipe/internal/bridge"
	"github.com/driftbyte/shardpipe/internal/domain"
)

// resolver obtains and replaces farmer pointers. It is a thin, stateless
// wrapper over the bridge client; all retry counters stay on the pointers
// and transfer state, owned by the coordinating goroutine.
type resolver struct {
	client   *bridge.Client
	bucketID string
	fileID   string
}

func newResolver(client *bridge.Client, bucketID, fileID string) *resolver {
	return &resolver{client: client, bucketID: bucketID, fileID: fileID}
}

// fetchBatch requests the next batch of pointers for a download.
func (r *resolver) fetchBatch(ctx context.Context, limit, skip int) ([]bridge.PointerInfo, error) {
	return r.client.GetFilePointers(ctx, r.bucketID, r.fileID, limit, skip)
}

// replace requests a fresh farmer contact for one shard slot, excluding
// every farmer id that has already failed it.
func (r *resolver) replace(ctx context.Context, pointerIndex int, excluded []string) (bridge.PointerInfo, error) {
	return r.client.ReplacePointer(ctx, r.bucketID, r.fileID, pointerIndex, excluded)
}

// newPointer converts a bridge pointer payload into the scheduler-owned
// shard pointer for one slot.
func newPointer(info bridge.PointerInfo, shardSize int64) *domain.ShardPointer {
	return &domain.ShardPointer{
		Index:    info.Index,
		Status:   domain.PointerCreated,
		Farmer:   info.Farmer,
		Token:    info.Token,
		Hash:     info.Hash,
		Offset:   int64(info.Index) * shardSize,
		Size:     info.Size,
		IsParity: info.Parity,
	}
}

// applyReplacement rebinds a pointer slot to a fresh farmer. Hash, offset
// and size are properties of the shard, not the farmer, and stay put.
func applyReplacement(p *domain.ShardPointer, info bridge.PointerInfo) {
	p.Farmer = info.Farmer
	p.Token = info.Token
	p.TransferredSize = 0
}
