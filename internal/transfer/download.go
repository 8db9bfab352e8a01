package transfer

import (
	"context"
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

// Download is the state of one file download: the aggregate transfer state,
// every shard pointer, and the encrypted shard buffers held until
// reconstruction and integrity verification are done. All fields are owned
// by the coordinating goroutine.
type Download struct {
	transferState

	sched    *scheduler
	bridge   *bridge.Client
	farmers  *farmer.Client
	reporter *reporter
	resolver *resolver

	masterKey   []byte
	bucketID    string
	fileID      string
	destination *os.File
	finishedCb  FinishedDownloadFunc

	info   *domain.FileMeta
	stream *cryptostream.Stream
	rs     bool

	pointers []*domain.ShardPointer
	shards   [][]byte

	requestingInfo bool
	infoFailCount  int

	requestingPointers bool
	pointerFailCount   int
	pointersCompleted  bool

	writeQueued map[int]bool
	dataWritten int

	recovering       bool
	recovered        bool
	recoveredPending []int
	verifying        bool
	verified         bool

	finishedCalled bool
	finalCode      errors.Code
	done           chan struct{}
}

// Cancel stops new scheduling and interrupts in-flight workers at their
// next checkpoint. The completion callback still fires, with a canceled
// status, once all in-flight work has drained.
func (d *Download) Cancel() {
	d.sched.Cancel()
}

// Wait blocks until the completion callback has fired and returns the final
// status.
func (d *Download) Wait() errors.Code {
	<-d.done
	return d.finalCode
}

func (d *Download) runLoop() {
	if d.progressCb != nil {
		d.progressCb(0, 0, 0, d.handle)
	}
	d.sched.run(d.step, d.reportProgress)
	d.finish()
}

// step is the scheduler's decision function. It is invoked once after every
// completion message, only on the coordinating goroutine, and issues every
// eligible next action subject to the concurrency ceilings. Once canceled
// or fatally errored it issues nothing, letting in-flight work drain.
func (d *Download) step() {
	if d.sched.isCanceled() {
		d.latchError(errors.TransferCanceled)
		return
	}
	if d.fatal() {
		return
	}

	if d.info == nil {
		if !d.requestingInfo {
			d.queueRequestInfo()
		}
		return
	}
	if !d.pointersCompleted && !d.requestingPointers {
		d.queueRequestPointers()
	}
	d.stepPointers()
	d.stepFinalize()
}

func (d *Download) queueRequestInfo() {
	d.requestingInfo = true
	d.sched.spawn(func(ctx context.Context) applyFunc {
		meta, err := d.bridge.GetFileInfo(ctx, d.bucketID, d.fileID)
		return func() { d.afterRequestInfo(meta, err) }
	})
}

func (d *Download) afterRequestInfo(meta domain.FileMeta, err error) {
	d.requestingInfo = false
	if err != nil {
		switch errors.CodeOf(err) {
		case errors.BridgeFileInfoError, errors.BridgeTimeoutError:
			d.infoFailCount++
			if d.infoFailCount >= MaxInfoTries {
				d.latchError(errors.BridgeFileInfoError)
			}
		case errors.TransferCanceled:
		default:
			d.latchError(errors.CodeOf(err))
		}
		return
	}
	if schemeErr := erasure.CheckScheme(meta.Erasure); schemeErr != nil {
		d.latchError(errors.FileUnsupportedCoding)
		return
	}
	stream, streamErr := cryptostream.NewStream(d.masterKey, d.bucketID, meta.Index)
	if streamErr != nil {
		d.latchError(errors.CodeOf(streamErr))
		return
	}
	d.info = &meta
	d.rs = meta.Erasure == domain.ErasureSchemeReedSolomon
	d.stream = stream
	d.totalBytes = meta.Size
	log.Debugf("file %s: %d bytes, erasure=%q", d.fileID, meta.Size, meta.Erasure)
}

func (d *Download) queueRequestPointers() {
	d.requestingPointers = true
	skip := len(d.pointers)
	d.sched.spawn(func(ctx context.Context) applyFunc {
		batch, err := d.resolver.fetchBatch(ctx, PointerBatchLimit, skip)
		return func() { d.afterRequestPointers(batch, err) }
	})
}

func (d *Download) afterRequestPointers(batch []bridge.PointerInfo, err error) {
	d.requestingPointers = false
	if err != nil {
		switch errors.CodeOf(err) {
		case errors.BridgePointerError, errors.BridgeTimeoutError:
			d.pointerFailCount++
			if d.pointerFailCount >= MaxInfoTries {
				d.latchError(errors.BridgePointerError)
			}
		case errors.TransferCanceled:
		default:
			d.latchError(errors.CodeOf(err))
		}
		return
	}
	for _, info := range batch {
		if d.shardSize == 0 && info.Size > 0 {
			d.shardSize = info.Size
		}
		p := newPointer(info, d.shardSize)
		for len(d.shards) <= p.Index {
			d.shards = append(d.shards, nil)
		}
		d.pointers = append(d.pointers, p)
		if p.IsParity {
			d.parityShards++
		} else {
			d.dataShards++
		}
	}
	d.totalShards = len(d.pointers)
	if len(batch) < PointerBatchLimit {
		d.pointersCompleted = true
		if d.totalShards == 0 {
			d.latchError(errors.BridgePointerError)
		}
		log.Debugf("resolved %d pointers (%d data, %d parity)",
			d.totalShards, d.dataShards, d.parityShards)
	}
}

// stepPointers issues the one next legal action for every pointer that has
// one: transfer, report send, destination write, or replacement.
func (d *Download) stepPointers() {
	for _, p := range d.pointers {
		switch p.Status {
		case domain.PointerCreated:
			if d.inFlightTransfers < MaxShardConcurrency {
				d.queueTransfer(p)
			}
		case domain.PointerTransferred:
			d.maybeQueueReport(p)
			if !d.writeQueued[p.Index] && d.inFlightWrites < MaxWriteConcurrency {
				d.queueWrite(p)
			}
		case domain.PointerFinished, domain.PointerMissing:
			d.maybeQueueReport(p)
		case domain.PointerError:
			d.maybeQueueReport(p)
		case domain.PointerErrorReported:
			d.queueReplace(p)
		}
	}
}

func (d *Download) queueTransfer(p *domain.ShardPointer) {
	if err := p.Transition(domain.PointerBeingTransferred); err != nil {
		d.latchError(errors.QueueError)
		return
	}
	d.inFlightTransfers++
	req := farmer.ShardRequest{Farmer: p.Farmer, Token: p.Token, Hash: p.Hash, Size: p.Size}
	idx := p.Index
	start := timestampMillis()
	d.sched.spawn(func(ctx context.Context) applyFunc {
		buf, err := d.farmers.DownloadShard(ctx, req, d.sched.progress)
		return func() { d.afterTransfer(idx, start, buf, err) }
	})
}

func (d *Download) afterTransfer(idx int, start int64, buf []byte, err error) {
	d.inFlightTransfers--
	p := d.pointerAt(idx)
	if p == nil {
		return
	}
	if err == nil && cryptostream.ShardHash(buf) != p.Hash {
		err = errors.NewTransferError(errors.FarmerIntegrityError,
			fmt.Errorf("shard %d failed challenge hash", idx))
	}
	if err != nil {
		// A retry streams the whole shard again, so the failed attempt's
		// bytes leave the running count.
		d.reportProgress(-int64(len(buf)))
		if errors.CodeOf(err) == errors.TransferCanceled {
			_ = p.Transition(domain.PointerError)
			return
		}
		log.Debugf("shard %d transfer from %s failed: %v", idx, p.Farmer.NodeID, err)
		if p.Farmer.NodeID != "" {
			p.FailedFarmerIDs = append(p.FailedFarmerIDs, p.Farmer.NodeID)
		}
		_ = p.Transition(domain.PointerError)
		d.reporter.prepare(p, start, domain.ReportFailure, domain.ReportDownloadError)
		return
	}

	d.shards[idx] = buf
	p.TransferredSize = int64(len(buf))
	_ = p.Transition(domain.PointerTransferred)
	d.reporter.prepare(p, start, domain.ReportSuccess, domain.ReportShardDownloaded)
	if p.IsParity {
		// Parity shards are kept for reconstruction only; nothing to write.
		_ = p.Transition(domain.PointerFinished)
		d.completedShards++
	}
}

func (d *Download) maybeQueueReport(p *domain.ShardPointer) {
	if p.Report == nil || p.Report.SendStatus != domain.ReportAwaitingSend {
		return
	}
	p.Report.SendStatus = domain.ReportSending
	report := *p.Report
	idx := p.Index
	d.sched.spawn(func(ctx context.Context) applyFunc {
		delivered := d.reporter.send(ctx, report)
		return func() { d.afterReport(idx, delivered) }
	})
}

func (d *Download) afterReport(idx int, delivered bool) {
	p := d.pointerAt(idx)
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

func (d *Download) queueWrite(p *domain.ShardPointer) {
	n := d.clippedLen(p.Offset, int64(len(d.shards[p.Index])))
	if n <= 0 {
		d.writeQueued[p.Index] = true
		d.dataWritten++
		_ = p.Transition(domain.PointerFinished)
		d.completedShards++
		return
	}
	d.writeQueued[p.Index] = true
	d.inFlightWrites++
	idx, off := p.Index, p.Offset
	buf, stream, dest := d.shards[idx], d.stream, d.destination
	d.sched.spawn(func(ctx context.Context) applyFunc {
		err := writeShard(dest, stream, buf, off, n)
		return func() { d.afterWrite(idx, err) }
	})
}

func (d *Download) afterWrite(idx int, err error) {
	d.inFlightWrites--
	p := d.pointerAt(idx)
	if err != nil {
		d.latchError(errors.CodeOf(err))
		if p != nil && p.Status == domain.PointerTransferred {
			_ = p.Transition(domain.PointerError)
		}
		return
	}
	d.dataWritten++
	if p != nil && p.Status == domain.PointerTransferred {
		_ = p.Transition(domain.PointerFinished)
		d.completedShards++
	}
}

func (d *Download) queueReplace(p *domain.ShardPointer) {
	if p.ReplaceCount >= MaxShardReplacements {
		_ = p.Transition(domain.PointerMissing)
		log.Warnf("shard %d missing after %d replacement attempts", p.Index, p.ReplaceCount)
		return
	}
	if err := p.Transition(domain.PointerBeingReplaced); err != nil {
		d.latchError(errors.QueueError)
		return
	}
	p.ReplaceCount++
	d.spawnReplace(p)
}

func (d *Download) spawnReplace(p *domain.ShardPointer) {
	idx := p.Index
	excluded := append([]string(nil), p.FailedFarmerIDs...)
	d.sched.spawn(func(ctx context.Context) applyFunc {
		info, err := d.resolver.replace(ctx, idx, excluded)
		return func() { d.afterReplace(idx, info, err) }
	})
}

func (d *Download) afterReplace(idx int, info bridge.PointerInfo, err error) {
	p := d.pointerAt(idx)
	if p == nil {
		return
	}
	if err != nil {
		if errors.CodeOf(err) == errors.TransferCanceled || d.sched.isCanceled() {
			return
		}
		if p.ReplaceCount < MaxShardReplacements {
			p.ReplaceCount++
			d.spawnReplace(p)
			return
		}
		_ = p.Transition(domain.PointerMissing)
		log.Warnf("shard %d missing: pointer replacement failed: %v", idx, err)
		return
	}
	applyReplacement(p, info)
	_ = p.Transition(domain.PointerCreated)
	log.Debugf("shard %d rebound to farmer %s (replacement %d)", idx, p.Farmer.NodeID, p.ReplaceCount)
}

// stepFinalize runs the download endgame once every pointer is terminal:
// reconstruction of missing data shards from any k available shards, the
// remaining destination writes, then the file-level integrity check.
func (d *Download) stepFinalize() {
	if !d.pointersCompleted || d.fatal() {
		return
	}
	if !d.allPointersTerminal() || d.inFlightWrites > 0 {
		return
	}

	if len(d.recoveredPending) > 0 {
		for len(d.recoveredPending) > 0 && d.inFlightWrites < MaxWriteConcurrency {
			idx := d.recoveredPending[0]
			d.recoveredPending = d.recoveredPending[1:]
			d.queueRecoveredWrite(idx)
		}
		return
	}

	missing := d.missingDataIndexes()
	if len(missing) > 0 && !d.recovered {
		if !d.recovering {
			d.queueReconstruct(missing)
		}
		return
	}

	if d.dataWritten == d.dataShards && !d.verified && !d.verifying {
		d.queueVerify()
	}
}

func (d *Download) queueReconstruct(missing []int) {
	if !d.rs {
		d.latchError(errors.FileShardMissingError)
		return
	}
	engine, err := erasure.NewEngine(d.dataShards, d.parityShards)
	if err != nil {
		d.latchError(errors.CodeOf(err))
		return
	}
	d.recovering = true
	// All pointers are terminal and no writes are in flight, so this task
	// has exclusive use of the shard buffers.
	shards := d.shards
	log.Infof("reconstructing %d missing data shards from %d available", len(missing), d.availableShards())
	d.sched.spawn(func(ctx context.Context) applyFunc {
		rerr := engine.ReconstructData(shards)
		return func() { d.afterReconstruct(missing, rerr) }
	})
}

func (d *Download) afterReconstruct(missing []int, err error) {
	d.recovering = false
	d.recovered = true
	if err != nil {
		d.latchError(errors.CodeOf(err))
		return
	}
	d.recoveredPending = append(d.recoveredPending, missing...)
}

func (d *Download) queueRecoveredWrite(idx int) {
	p := d.pointerAt(idx)
	if p == nil {
		return
	}
	n := d.clippedLen(p.Offset, int64(len(d.shards[idx])))
	if n <= 0 {
		d.dataWritten++
		return
	}
	d.inFlightWrites++
	off := p.Offset
	buf, stream, dest := d.shards[idx], d.stream, d.destination
	d.sched.spawn(func(ctx context.Context) applyFunc {
		err := writeShard(dest, stream, buf, off, n)
		return func() { d.afterRecoveredWrite(err) }
	})
}

func (d *Download) afterRecoveredWrite(err error) {
	d.inFlightWrites--
	if err != nil {
		d.latchError(errors.CodeOf(err))
		return
	}
	d.dataWritten++
}

func (d *Download) queueVerify() {
	d.verifying = true
	dest, stream := d.destination, d.stream
	size, expected := d.info.Size, d.info.HMAC
	d.sched.spawn(func(ctx context.Context) applyFunc {
		err := verifyAndTruncate(ctx, dest, stream, size, expected)
		return func() { d.afterVerify(err) }
	})
}

func (d *Download) afterVerify(err error) {
	d.verifying = false
	if err != nil {
		d.latchError(errors.CodeOf(err))
		return
	}
	d.verified = true
}

// verifyAndTruncate recomputes the file HMAC over the assembled plaintext,
// compares it against the digest published in the file's metadata, and
// trims the zero padding of the last shard off the destination.
func verifyAndTruncate(ctx context.Context, dest *os.File, stream *cryptostream.Stream, size int64, expectedHex string) error {
	if expectedHex == "" {
		return errors.NewTransferError(errors.FileIntegrityError,
			fmt.Errorf("file metadata carries no hmac to verify against"))
	}
	mac := stream.NewFileHMAC()
	buf := make([]byte, 32*1024)
	var off int64
	for off < size {
		if ctx.Err() != nil {
			return errors.NewTransferError(errors.TransferCanceled, errors.ErrTransferCanceled)
		}
		n := int64(len(buf))
		if size-off < n {
			n = size - off
		}
		rn, err := dest.ReadAt(buf[:n], off)
		mac.Write(buf[:rn])
		off += int64(rn)
		if err == io.EOF && off == size {
			break
		}
		if err != nil {
			return errors.NewTransferError(errors.FileReadError, err)
		}
	}
	if err := cryptostream.VerifyFileHMAC(mac, expectedHex); err != nil {
		return err
	}
	if err := dest.Truncate(size); err != nil {
		return errors.NewTransferError(errors.FileResizeError, err)
	}
	return nil
}

func writeShard(dest *os.File, stream *cryptostream.Stream, buf []byte, off, n int64) error {
	plain := make([]byte, n)
	copy(plain, buf[:n])
	if err := stream.DecryptAt(plain, off); err != nil {
		return err
	}
	if _, err := dest.WriteAt(plain, off); err != nil {
		return errors.NewTransferError(errors.FileWriteError, err)
	}
	return nil
}

func (d *Download) finish() {
	if d.sched.isCanceled() && d.errorStatus == errors.TransferOK {
		d.errorStatus = errors.TransferCanceled
	}
	// A download whose integrity check never ran is not a success.
	if d.errorStatus == errors.TransferOK && !d.verified {
		d.errorStatus = errors.FileIntegrityError
	}
	code := d.errorStatus
	if code == errors.TransferOK && d.progressCb != nil {
		d.progressCb(1, d.totalBytes, d.totalBytes, d.handle)
	}

	for i := range d.shards {
		d.shards[i] = nil
	}
	if d.stream != nil {
		d.stream.Destroy()
	}

	d.finalCode = code
	if !d.finishedCalled {
		d.finishedCalled = true
		if d.finishedCb != nil {
			d.finishedCb(code, d.destination, d.handle)
		}
	}
	close(d.done)
}

func (d *Download) pointerAt(idx int) *domain.ShardPointer {
	for _, p := range d.pointers {
		if p.Index == idx {
			return p
		}
	}
	return nil
}

func (d *Download) allPointersTerminal() bool {
	for _, p := range d.pointers {
		if !p.Status.Terminal() {
			return false
		}
	}
	return true
}

func (d *Download) missingDataIndexes() []int {
	var missing []int
	for _, p := range d.pointers {
		if p.Status == domain.PointerMissing && !p.IsParity {
			missing = append(missing, p.Index)
		}
	}
	return missing
}

func (d *Download) availableShards() int {
	available := 0
	for _, s := range d.shards {
		if s != nil {
			available++
		}
	}
	return available
}

// clippedLen bounds a shard write to the logical file size, trimming the
// zero padding of the final data shard.
func (d *Download) clippedLen(off, shardLen int64) int64 {
	if d.info == nil {
		return 0
	}
	n := d.info.Size - off
	if n > shardLen {
		n = shardLen
	}
	return n
}
