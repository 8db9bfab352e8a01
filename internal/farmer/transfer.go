// Package farmer performs single-shard byte transfers against farmer nodes.
// Each call captures only value copies of its inputs (token, hash, contact,
// buffer) and reports progress over a one-way channel; it never touches
// shared transfer state.
package farmer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/driftbyte/shardpipe/internal/domain"
	"github.com/driftbyte/shardpipe/internal/errors"
)

const (
	// chunkSize is the unit of one socket read/write; cancellation is
	// observed at chunk boundaries, never mid-operation.
	chunkSize = 32 * 1024

	defaultTransferTimeout = 60 * time.Second
)

// ShardRequest carries everything one shard transfer needs, by value.
type ShardRequest struct {
	Farmer domain.Farmer
	Token  string
	Hash   string
	Size   int64
}

// Client moves shard bytes to and from farmers.
type Client struct {
	httpClient *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTransferTimeout
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

func shardURL(req ShardRequest) string {
	proto := req.Farmer.Protocol
	if proto == "" {
		proto = "http"
	}
	return fmt.Sprintf("%s://%s:%d/shards/%s?token=%s",
		proto, req.Farmer.Address, req.Farmer.Port, req.Hash, req.Token)
}

// DownloadShard fetches one shard into a fresh buffer. A response shorter
// or longer than the requested size is a distinct, explicit failure, never
// silently accepted. On failure the partial buffer comes back with the
// error; its length is exactly the byte count already pushed through the
// progress channel, so the caller can unwind its accounting.
func (c *Client) DownloadShard(ctx context.Context, req ShardRequest, progress chan<- int64) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, shardURL(req), nil)
	if err != nil {
		return nil, errors.NewTransferError(errors.FarmerRequestError, err)
	}

	log.Debugf("downloading shard %s from %s:%d", req.Hash, req.Farmer.Address, req.Farmer.Port)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if err := checkFarmerStatus(resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return nil, err
	}

	buf := make([]byte, 0, req.Size)
	chunk := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return buf, errors.NewTransferError(errors.TransferCanceled, errors.ErrTransferCanceled)
		}
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			if int64(len(buf))+int64(n) > req.Size {
				return buf, errors.NewTransferError(errors.FarmerIntegrityError,
					fmt.Errorf("%w: farmer sent more than %d bytes", errors.ErrShardSizeMismatch, req.Size))
			}
			buf = append(buf, chunk[:n]...)
			sendProgress(progress, int64(n))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return buf, transportError(ctx, err)
		}
	}

	if int64(len(buf)) != req.Size {
		return buf, errors.NewTransferError(errors.FarmerIntegrityError,
			fmt.Errorf("%w: got %d of %d bytes", errors.ErrShardSizeMismatch, len(buf), req.Size))
	}
	return buf, nil
}

// UploadShard pushes one shard to a farmer. The data slice is owned by the
// caller and only read here.
func (c *Client) UploadShard(ctx context.Context, req ShardRequest, data []byte, progress chan<- int64) (int64, error) {
	if int64(len(data)) != req.Size {
		return 0, errors.NewTransferError(errors.FarmerIntegrityError,
			fmt.Errorf("%w: buffer holds %d of %d bytes", errors.ErrShardSizeMismatch, len(data), req.Size))
	}

	body := &chunkedReader{
		ctx:      ctx,
		r:        bytes.NewReader(data),
		progress: progress,
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, shardURL(req), body)
	if err != nil {
		return 0, errors.NewTransferError(errors.FarmerRequestError, err)
	}
	httpReq.ContentLength = req.Size
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	log.Debugf("uploading shard %s to %s:%d", req.Hash, req.Farmer.Address, req.Farmer.Port)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return body.sent, transportError(ctx, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if err := checkFarmerStatus(resp.StatusCode); err != nil {
		return body.sent, err
	}
	if body.sent != req.Size {
		return body.sent, errors.NewTransferError(errors.FarmerIntegrityError,
			fmt.Errorf("%w: sent %d of %d bytes", errors.ErrShardSizeMismatch, body.sent, req.Size))
	}
	return body.sent, nil
}

// chunkedReader feeds the upload body one chunk at a time, observing
// cancellation between chunks and accounting for progress.
type chunkedReader struct {
	ctx      context.Context
	r        *bytes.Reader
	progress chan<- int64
	sent     int64
}

func (cr *chunkedReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, errors.NewTransferError(errors.TransferCanceled, errors.ErrTransferCanceled)
	}
	if len(p) > chunkSize {
		p = p[:chunkSize]
	}
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.sent += int64(n)
		sendProgress(cr.progress, int64(n))
	}
	return n, err
}

func checkFarmerStatus(status int) error {
	switch {
	case status >= 200 && status < 300, status == http.StatusNotModified:
		return nil
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return errors.NewTransferError(errors.FarmerAuthError,
			fmt.Errorf("farmer rejected token: status %d", status))
	}
	return errors.NewTransferError(errors.FarmerRequestError,
		fmt.Errorf("farmer responded with status %d", status))
}

func transportError(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled {
		return errors.NewTransferError(errors.TransferCanceled, errors.ErrTransferCanceled)
	}
	if ctx.Err() == context.DeadlineExceeded || os.IsTimeout(err) {
		return errors.NewTransferError(errors.FarmerTimeoutError, err)
	}
	return errors.NewTransferError(errors.FarmerRequestError, err)
}

func sendProgress(progress chan<- int64, n int64) {
	if progress == nil {
		return
	}
	select {
	case progress <- n:
	default:
	}
}
