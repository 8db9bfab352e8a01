package transfer

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/driftbyte/shardpipe/internal/bridge"
	"github.com/driftbyte/shardpipe/internal/cryptostream"
	"github.com/driftbyte/shardpipe/internal/domain"
	"github.com/driftbyte/shardpipe/internal/erasure"
	"github.com/driftbyte/shardpipe/internal/errors"
	"github.com/driftbyte/shardpipe/internal/farmer"
)

// Upload is the state of one file upload: shard buffers are prepared up
// front (encrypt, pad, parity), staged in a bridge frame shard by shard to
// acquire farmer contacts, pushed to farmers, and published as a bucket
// entry once every shard has landed. All fields are owned by the
// coordinating goroutine.
type Upload struct {
	transferState

	sched    *scheduler
	bridge   *bridge.Client
	farmers  *farmer.Client
	reporter *reporter

	bucketID string
	fileName string
	source   *os.File
	index    string
	stream   *cryptostream.Stream
	engine   *erasure.Engine

	finishedCb FinishedUploadFunc

	pointers   []*domain.ShardPointer
	shards     [][]byte
	hmacDigest string
	preparing  bool
	prepared   bool

	frame           *domain.Frame
	requestingFrame bool
	frameFailCount  int

	creatingEntry  bool
	entryFailCount int
	meta           *domain.FileMeta

	finishedCalled bool
	finalCode      errors.Code
	done           chan struct{}
}

// Cancel stops new scheduling and interrupts in-flight workers at their
// next checkpoint.
func (u *Upload) Cancel() {
	u.sched.Cancel()
}

// Wait blocks until the completion callback has fired and returns the final
// status.
func (u *Upload) Wait() errors.Code {
	<-u.done
	return u.finalCode
}

func (u *Upload) runLoop() {
	if u.progressCb != nil {
		u.progressCb(0, 0, u.totalBytes, u.handle)
	}
	u.sched.run(u.step, u.reportProgress)
	u.finish()
}

func (u *Upload) step() {
	if u.sched.isCanceled() {
		u.latchError(errors.TransferCanceled)
		return
	}
	if u.fatal() {
		return
	}

	if !u.prepared && !u.preparing {
		u.queuePrepare()
	}
	if u.frame == nil {
		if !u.requestingFrame {
			u.queueRequestFrame()
		}
		return
	}
	if !u.prepared {
		return
	}
	u.stepPointers()
	u.stepFinalize()
}

type prepareResult struct {
	shards [][]byte
	hashes []string
	hmac   string
	err    error
}

// queuePrepare reads and encrypts the source into padded shard buffers and
// generates the parity shards, all before any shard is handed to a
// transfer worker.
func (u *Upload) queuePrepare() {
	u.preparing = true
	u.sched.spawn(func(ctx context.Context) applyFunc {
		res := u.prepareShards(ctx)
		return func() { u.afterPrepare(res) }
	})
}

func (u *Upload) prepareShards(ctx context.Context) prepareResult {
	shards := make([][]byte, u.totalShards)
	mac := u.stream.NewFileHMAC()
	var off int64
	for i := 0; i < u.dataShards; i++ {
		if ctx.Err() != nil {
			return prepareResult{err: errors.NewTransferError(errors.TransferCanceled, errors.ErrTransferCanceled)}
		}
		buf := make([]byte, u.shardSize)
		n := u.shardSize
		if remaining := u.totalBytes - off; remaining < n {
			n = remaining
		}
		rn, err := u.source.ReadAt(buf[:n], off)
		if int64(rn) != n || (err != nil && err != io.EOF) {
			return prepareResult{err: errors.NewTransferError(errors.FileReadError,
				fmt.Errorf("short read at offset %d: %v", off, err))}
		}
		mac.Write(buf[:n])
		if err := u.stream.EncryptAt(buf[:n], off); err != nil {
			return prepareResult{err: err}
		}
		shards[i] = buf
		off += n
	}
	if err := u.engine.EncodeParity(shards); err != nil {
		return prepareResult{err: err}
	}
	hashes := make([]string, len(shards))
	for i := range shards {
		hashes[i] = cryptostream.ShardHash(shards[i])
	}
	return prepareResult{
		shards: shards,
		hashes: hashes,
		hmac:   hex.EncodeToString(mac.Sum(nil)),
	}
}

func (u *Upload) afterPrepare(res prepareResult) {
	u.preparing = false
	if res.err != nil {
		if errors.CodeOf(res.err) != errors.TransferCanceled {
			u.latchError(errors.CodeOf(res.err))
		}
		return
	}
	u.prepared = true
	u.shards = res.shards
	u.hmacDigest = res.hmac
	u.pointers = make([]*domain.ShardPointer, u.totalShards)
	for i := 0; i < u.totalShards; i++ {
		u.pointers[i] = &domain.ShardPointer{
			Index:    i,
			Status:   domain.PointerCreated,
			Hash:     res.hashes[i],
			Offset:   int64(i) * u.shardSize,
			Size:     u.shardSize,
			IsParity: i >= u.dataShards,
		}
	}
	log.Debugf("prepared %d shards (%d data, %d parity) of %d bytes",
		u.totalShards, u.dataShards, u.parityShards, u.shardSize)
}

func (u *Upload) queueRequestFrame() {
	u.requestingFrame = true
	u.sched.spawn(func(ctx context.Context) applyFunc {
		frame, err := u.bridge.CreateFrame(ctx)
		return func() { u.afterRequestFrame(frame, err) }
	})
}

func (u *Upload) afterRequestFrame(frame domain.Frame, err error) {
	u.requestingFrame = false
	if err != nil {
		switch errors.CodeOf(err) {
		case errors.BridgeFrameError, errors.BridgeTimeoutError:
			u.frameFailCount++
			if u.frameFailCount >= MaxInfoTries {
				u.latchError(errors.BridgeFrameError)
			}
		case errors.TransferCanceled:
		default:
			u.latchError(errors.CodeOf(err))
		}
		return
	}
	u.frame = &frame
	log.Debugf("opened frame %s", frame.ID)
}

func (u *Upload) stepPointers() {
	for _, p := range u.pointers {
		switch p.Status {
		case domain.PointerCreated:
			if p.Token == "" {
				if !p.Resolving && p.ResolveCount < MaxTokenTries {
					u.queueResolve(p)
				}
			} else if u.inFlightTransfers < MaxShardConcurrency {
				u.queueTransfer(p)
			}
		case domain.PointerTransferred, domain.PointerFinished:
			u.maybeQueueReport(p)
		case domain.PointerError:
			u.maybeQueueReport(p)
		case domain.PointerErrorReported:
			u.queueReplace(p)
		}
	}
}

// queueResolve stages one shard in the frame, acquiring the farmer contact
// and push token for it.
func (u *Upload) queueResolve(p *domain.ShardPointer) {
	p.Resolving = true
	p.ResolveCount++
	shard := domain.ShardMeta{Hash: p.Hash, Size: p.Size, Index: p.Index, IsParity: p.IsParity}
	excluded := append([]string(nil), p.FailedFarmerIDs...)
	frameID := u.frame.ID
	idx := p.Index
	u.sched.spawn(func(ctx context.Context) applyFunc {
		info, err := u.bridge.AddShardToFrame(ctx, frameID, shard, excluded)
		return func() { u.afterResolve(idx, info, err) }
	})
}

func (u *Upload) afterResolve(idx int, info bridge.PointerInfo, err error) {
	p := u.pointerAt(idx)
	if p == nil {
		return
	}
	p.Resolving = false
	if err != nil {
		switch errors.CodeOf(err) {
		case errors.TransferCanceled:
		case errors.BridgeTokenError, errors.BridgeTimeoutError:
			if p.ResolveCount >= MaxTokenTries {
				u.latchError(errors.BridgeTokenError)
			}
		default:
			u.latchError(errors.CodeOf(err))
		}
		return
	}
	p.Farmer = info.Farmer
	p.Token = info.Token
}

func (u *Upload) queueTransfer(p *domain.ShardPointer) {
	if err := p.Transition(domain.PointerBeingTransferred); err != nil {
		u.latchError(errors.QueueError)
		return
	}
	u.inFlightTransfers++
	req := farmer.ShardRequest{Farmer: p.Farmer, Token: p.Token, Hash: p.Hash, Size: p.Size}
	data := u.shards[p.Index]
	idx := p.Index
	start := timestampMillis()
	u.sched.spawn(func(ctx context.Context) applyFunc {
		n, err := u.farmers.UploadShard(ctx, req, data, u.sched.progress)
		return func() { u.afterTransfer(idx, start, n, err) }
	})
}

func (u *Upload) afterTransfer(idx int, start, n int64, err error) {
	u.inFlightTransfers--
	p := u.pointerAt(idx)
	if p == nil {
		return
	}
	if err != nil {
		// A retry streams the whole shard again, so the failed attempt's
		// bytes leave the running count.
		u.reportProgress(-n)
		if errors.CodeOf(err) == errors.TransferCanceled {
			_ = p.Transition(domain.PointerError)
			return
		}
		log.Debugf("shard %d push to %s failed: %v", idx, p.Farmer.NodeID, err)
		if p.Farmer.NodeID != "" {
			p.FailedFarmerIDs = append(p.FailedFarmerIDs, p.Farmer.NodeID)
		}
		_ = p.Transition(domain.PointerError)
		u.reporter.prepare(p, start, domain.ReportFailure, domain.ReportUploadError)
		return
	}
	p.TransferredSize = n
	_ = p.Transition(domain.PointerTransferred)
	u.reporter.prepare(p, start, domain.ReportSuccess, domain.ReportShardUploaded)
	_ = p.Transition(domain.PointerFinished)
	u.completedShards++
}

func (u *Upload) maybeQueueReport(p *domain.ShardPointer) {
	if p.Report == nil || p.Report.SendStatus != domain.ReportAwaitingSend {
		return
	}
	p.Report.SendStatus = domain.ReportSending
	report := *p.Report
	idx := p.Index
	u.sched.spawn(func(ctx context.Context) applyFunc {
		delivered := u.reporter.send(ctx, report)
		return func() { u.afterReport(idx, delivered) }
	})
}

func (u *Upload) afterReport(idx int, delivered bool) {
	p := u.pointerAt(idx)
	if p == nil {
		return
	}
	if p.Report != nil {
		if delivered {
			p.Report.SendStatus = domain.ReportSent
		}
		p.Report = nil
	}
	if p.Status == domain.PointerError {
		_ = p.Transition(domain.PointerErrorReported)
	}
}

// queueReplace restages a failed shard in the frame with a fresh farmer.
// Unlike the download path, a shard the network refuses to accept cannot be
// masked by reconstruction, so exhausting the replace cycle is fatal.
func (u *Upload) queueReplace(p *domain.ShardPointer) {
	if p.ReplaceCount >= MaxShardReplacements {
		_ = p.Transition(domain.PointerMissing)
		u.latchError(errors.FarmerExhaustedError)
		log.Warnf("shard %d exhausted %d farmers", p.Index, p.ReplaceCount)
		return
	}
	if err := p.Transition(domain.PointerBeingReplaced); err != nil {
		u.latchError(errors.QueueError)
		return
	}
	p.ReplaceCount++
	u.spawnReplace(p)
}

func (u *Upload) spawnReplace(p *domain.ShardPointer) {
	shard := domain.ShardMeta{Hash: p.Hash, Size: p.Size, Index: p.Index, IsParity: p.IsParity}
	excluded := append([]string(nil), p.FailedFarmerIDs...)
	frameID := u.frame.ID
	idx := p.Index
	u.sched.spawn(func(ctx context.Context) applyFunc {
		info, err := u.bridge.AddShardToFrame(ctx, frameID, shard, excluded)
		return func() { u.afterReplace(idx, info, err) }
	})
}

func (u *Upload) afterReplace(idx int, info bridge.PointerInfo, err error) {
	p := u.pointerAt(idx)
	if p == nil {
		return
	}
	if err != nil {
		if errors.CodeOf(err) == errors.TransferCanceled || u.sched.isCanceled() {
			return
		}
		if p.ReplaceCount < MaxShardReplacements {
			p.ReplaceCount++
			u.spawnReplace(p)
			return
		}
		_ = p.Transition(domain.PointerMissing)
		u.latchError(errors.FarmerExhaustedError)
		return
	}
	applyReplacement(p, info)
	_ = p.Transition(domain.PointerCreated)
	log.Debugf("shard %d restaged to farmer %s (replacement %d)", idx, p.Farmer.NodeID, p.ReplaceCount)
}

func (u *Upload) stepFinalize() {
	if u.fatal() || u.meta != nil || u.creatingEntry {
		return
	}
	if u.completedShards != u.totalShards {
		return
	}
	u.queueCreateEntry()
}

func (u *Upload) queueCreateEntry() {
	u.creatingEntry = true
	frameID := u.frame.ID
	u.sched.spawn(func(ctx context.Context) applyFunc {
		meta, err := u.bridge.CreateBucketEntry(ctx, u.bucketID, frameID,
			u.fileName, u.index, u.hmacDigest, domain.ErasureSchemeReedSolomon)
		return func() { u.afterCreateEntry(meta, err) }
	})
}

func (u *Upload) afterCreateEntry(meta domain.FileMeta, err error) {
	u.creatingEntry = false
	if err != nil {
		switch errors.CodeOf(err) {
		case errors.TransferCanceled:
		case errors.BridgeRequestError, errors.BridgeInternalError, errors.BridgeTimeoutError:
			u.entryFailCount++
			if u.entryFailCount >= MaxAddBucketEntryTries {
				u.latchError(errors.BridgeRequestError)
			}
		default:
			u.latchError(errors.CodeOf(err))
		}
		return
	}
	u.meta = &meta
	log.Infof("published %s as file %s (%d shards)", u.fileName, meta.ID, u.totalShards)
}

func (u *Upload) finish() {
	if u.sched.isCanceled() && u.errorStatus == errors.TransferOK {
		u.errorStatus = errors.TransferCanceled
	}
	// An upload without a published bucket entry is not a success.
	if u.errorStatus == errors.TransferOK && u.meta == nil {
		u.errorStatus = errors.BridgeRequestError
	}
	code := u.errorStatus
	if code == errors.TransferOK && u.progressCb != nil {
		u.progressCb(1, u.totalBytes, u.totalBytes, u.handle)
	}

	for i := range u.shards {
		u.shards[i] = nil
	}
	u.stream.Destroy()

	u.finalCode = code
	if !u.finishedCalled {
		u.finishedCalled = true
		if u.finishedCb != nil {
			u.finishedCb(code, u.meta, u.handle)
		}
	}
	close(u.done)
}

func (u *Upload) pointerAt(idx int) *domain.ShardPointer {
	if idx < 0 || idx >= len(u.pointers) {
		return nil
	}
	return u.pointers[idx]
}
