package transfer

import (
	"context"
	"os"

	"github.com/google/uuid"

	"github.com/driftbyte/shardpipe/internal/bridge"
	"github.com/driftbyte/shardpipe/internal/cryptostream"
	"github.com/driftbyte/shardpipe/internal/erasure"
	"github.com/driftbyte/shardpipe/internal/errors"
	"github.com/driftbyte/shardpipe/internal/farmer"
)

// Service wires the bridge client, farmer client and key material needed to
// run transfers.
type Service struct {
	bridge     *bridge.Client
	farmers    *farmer.Client
	masterKey  []byte
	reporterID string
	clientID   string
}

func NewService(bridgeClient *bridge.Client, farmerClient *farmer.Client, masterKey []byte) *Service {
	return &Service{
		bridge:     bridgeClient,
		farmers:    farmerClient,
		masterKey:  masterKey,
		reporterID: uuid.NewString(),
		clientID:   uuid.NewString(),
	}
}

// DownloadOptions configures one download.
type DownloadOptions struct {
	BucketID    string
	FileID      string
	Destination *os.File
	Handle      interface{}
	Progress    ProgressFunc
	Finished    FinishedDownloadFunc
}

// ResolveFile starts a download and returns immediately; the completion
// callback fires exactly once when the transfer reaches a terminal state.
func (s *Service) ResolveFile(ctx context.Context, opts DownloadOptions) (*Download, error) {
	if opts.BucketID == "" || opts.FileID == "" || opts.Destination == nil {
		return nil, errors.ErrMissingRequiredFields
	}

	d := &Download{
		sched:       newScheduler(ctx),
		bridge:      s.bridge,
		farmers:     s.farmers,
		reporter:    newReporter(s.bridge, s.reporterID, s.clientID),
		resolver:    newResolver(s.bridge, opts.BucketID, opts.FileID),
		masterKey:   s.masterKey,
		bucketID:    opts.BucketID,
		fileID:      opts.FileID,
		destination: opts.Destination,
		finishedCb:  opts.Finished,
		writeQueued: make(map[int]bool),
		done:        make(chan struct{}),
	}
	d.handle = opts.Handle
	d.progressCb = opts.Progress

	go d.runLoop()
	return d, nil
}

// UploadOptions configures one upload.
type UploadOptions struct {
	BucketID string
	FileName string
	Source   *os.File
	// DataShards and ParityShards override the automatic shard geometry;
	// zero means auto (file-size driven sizing, ceil(k*2/3) parity).
	DataShards   int
	ParityShards int
	Handle       interface{}
	Progress     ProgressFunc
	Finished     FinishedUploadFunc
}

// StoreFile starts an upload and returns immediately; the completion
// callback fires exactly once when the transfer reaches a terminal state.
func (s *Service) StoreFile(ctx context.Context, opts UploadOptions) (*Upload, error) {
	if opts.BucketID == "" || opts.FileName == "" || opts.Source == nil {
		return nil, errors.ErrMissingRequiredFields
	}
	fi, err := opts.Source.Stat()
	if err != nil {
		return nil, errors.NewTransferError(errors.FileReadError, err)
	}
	if fi.Size() == 0 {
		return nil, errors.ErrEmptyFile
	}

	fileSize := fi.Size()
	var shardSize int64
	dataShards := opts.DataShards
	if dataShards > 0 {
		shardSize = (fileSize + int64(dataShards) - 1) / int64(dataShards)
	} else {
		shardSize = erasure.DetermineShardSize(fileSize)
		dataShards = erasure.ShardCount(fileSize, shardSize)
	}
	parityShards := opts.ParityShards
	if parityShards <= 0 {
		parityShards = erasure.DefaultParityShards(dataShards)
	}

	engine, err := erasure.NewEngine(dataShards, parityShards)
	if err != nil {
		return nil, err
	}

	index, err := cryptostream.NewIndex()
	if err != nil {
		return nil, err
	}
	stream, err := cryptostream.NewStream(s.masterKey, opts.BucketID, index)
	if err != nil {
		return nil, err
	}

	u := &Upload{
		sched:      newScheduler(ctx),
		bridge:     s.bridge,
		farmers:    s.farmers,
		reporter:   newReporter(s.bridge, s.reporterID, s.clientID),
		bucketID:   opts.BucketID,
		fileName:   opts.FileName,
		source:     opts.Source,
		index:      index,
		stream:     stream,
		engine:     engine,
		finishedCb: opts.Finished,
		done:       make(chan struct{}),
	}
	u.handle = opts.Handle
	u.progressCb = opts.Progress
	u.totalBytes = fileSize
	u.shardSize = shardSize
	u.dataShards = dataShards
	u.parityShards = parityShards
	u.totalShards = dataShards + parityShards

	go u.runLoop()
	return u, nil
}
