// Package bridge is the HTTP client for the bridge's JSON API. The bridge
// is consumed as a black box: file/frame/pointer metadata and exchange
// report ingestion. No retry state lives here; the transfer scheduler owns
// all retry bookkeeping.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/driftbyte/shardpipe/internal/domain"
	"github.com/driftbyte/shardpipe/internal/errors"
)

const defaultRequestTimeout = 60 * time.Second

// PointerInfo is one farmer pointer as returned by the bridge.
type PointerInfo struct {
	Index  int           `json:"index"`
	Hash   string        `json:"hash"`
	Size   int64         `json:"size"`
	Parity bool          `json:"parity"`
	Token  string        `json:"token"`
	Farmer domain.Farmer `json:"farmer"`
}

// Client talks to one bridge.
type Client struct {
	baseURL    string
	user       string
	pass       string
	httpClient *http.Client
}

// NewClient creates a bridge client. User and pass may be empty for bridges
// that do not require basic auth.
func NewClient(baseURL, user, pass string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		user:       user,
		pass:       pass,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetFileInfo fetches the logical file attributes needed before a download
// can begin.
func (c *Client) GetFileInfo(ctx context.Context, bucketID, fileID string) (domain.FileMeta, error) {
	var meta domain.FileMeta
	path := fmt.Sprintf("/buckets/%s/files/%s/info", bucketID, fileID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &meta); err != nil {
		return domain.FileMeta{}, refineCode(err, errors.BridgeFileInfoError)
	}
	return meta, nil
}

// GetFilePointers fetches a batch of farmer pointers for a file.
func (c *Client) GetFilePointers(ctx context.Context, bucketID, fileID string, limit, skip int) ([]PointerInfo, error) {
	path := fmt.Sprintf("/buckets/%s/files/%s?limit=%d&skip=%d", bucketID, fileID, limit, skip)
	var pointers []PointerInfo
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &pointers); err != nil {
		return nil, refineCode(err, errors.BridgePointerError)
	}
	return pointers, nil
}

// ReplacePointer requests a fresh farmer contact for one shard slot,
// excluding every farmer that already failed it.
func (c *Client) ReplacePointer(ctx context.Context, bucketID, fileID string, pointerIndex int, excluded []string) (PointerInfo, error) {
	path := fmt.Sprintf("/buckets/%s/files/%s?limit=1&skip=%d&exclude=%s",
		bucketID, fileID, pointerIndex, url.QueryEscape(strings.Join(excluded, ",")))
	var pointers []PointerInfo
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &pointers); err != nil {
		return PointerInfo{}, refineCode(err, errors.BridgeRepointerError)
	}
	if len(pointers) == 0 {
		return PointerInfo{}, errors.NewTransferError(errors.BridgeRepointerError,
			fmt.Errorf("no replacement pointer available for shard %d", pointerIndex))
	}
	return pointers[0], nil
}

// CreateFrame opens a new upload session.
func (c *Client) CreateFrame(ctx context.Context) (domain.Frame, error) {
	var frame domain.Frame
	if err := c.doJSON(ctx, http.MethodPost, "/frames", struct{}{}, &frame); err != nil {
		return domain.Frame{}, refineCode(err, errors.BridgeFrameError)
	}
	return frame, nil
}

type addShardRequest struct {
	Hash     string   `json:"hash"`
	Size     int64    `json:"size"`
	Index    int      `json:"index"`
	Parity   bool     `json:"parity"`
	Exclude  []string `json:"exclude"`
}

// AddShardToFrame stages one shard in an upload frame and acquires the
// farmer contact plus push token for it.
func (c *Client) AddShardToFrame(ctx context.Context, frameID string, shard domain.ShardMeta, excluded []string) (PointerInfo, error) {
	body := addShardRequest{
		Hash:    shard.Hash,
		Size:    shard.Size,
		Index:   shard.Index,
		Parity:  shard.IsParity,
		Exclude: excluded,
	}
	if body.Exclude == nil {
		body.Exclude = []string{}
	}
	var pointer PointerInfo
	path := "/frames/" + frameID
	if err := c.doJSON(ctx, http.MethodPut, path, body, &pointer); err != nil {
		return PointerInfo{}, refineCode(err, errors.BridgeTokenError)
	}
	pointer.Index = shard.Index
	pointer.Hash = shard.Hash
	pointer.Size = shard.Size
	pointer.Parity = shard.IsParity
	return pointer, nil
}

type bucketEntryRequest struct {
	Frame    string `json:"frame"`
	Filename string `json:"filename"`
	Index    string `json:"index"`
	HMAC     struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"hmac"`
	Erasure struct {
		Type string `json:"type"`
	} `json:"erasure"`
}

// CreateBucketEntry publishes the file record once every shard has landed.
func (c *Client) CreateBucketEntry(ctx context.Context, bucketID, frameID, filename, index, hmacDigest, erasure string) (domain.FileMeta, error) {
	body := bucketEntryRequest{Frame: frameID, Filename: filename, Index: index}
	body.HMAC.Type = "sha512"
	body.HMAC.Value = hmacDigest
	body.Erasure.Type = erasure

	var meta domain.FileMeta
	path := "/buckets/" + bucketID + "/files"
	if err := c.doJSON(ctx, http.MethodPost, path, body, &meta); err != nil {
		return domain.FileMeta{}, err
	}
	return meta, nil
}

// SendExchangeReport delivers one shard-transfer telemetry record.
func (c *Client) SendExchangeReport(ctx context.Context, report *domain.ExchangeReport) error {
	return c.doJSON(ctx, http.MethodPost, "/reports/exchanges", report, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.NewTransferError(errors.BridgeJSONError, err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.NewTransferError(errors.BridgeRequestError, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	log.Debugf("bridge %s %s", method, path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return errors.NewTransferError(errors.TransferCanceled, errors.ErrTransferCanceled)
		}
		if ctx.Err() == context.DeadlineExceeded || os.IsTimeout(err) {
			return errors.NewTransferError(errors.BridgeTimeoutError, err)
		}
		return errors.NewTransferError(errors.BridgeRequestError, err)
	}
	defer resp.Body.Close()

	if code := statusToCode(resp.StatusCode); code != errors.TransferOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.NewTransferError(code,
			fmt.Errorf("bridge responded %s: %s", resp.Status, strings.TrimSpace(string(payload))))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewTransferError(errors.BridgeJSONError, err)
	}
	return nil
}

func statusToCode(status int) errors.Code {
	switch {
	case status >= 200 && status < 300, status == http.StatusNotModified:
		return errors.TransferOK
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return errors.BridgeAuthError
	case status == http.StatusTooManyRequests:
		return errors.BridgeRateError
	case status == http.StatusNotFound, status == http.StatusBadRequest:
		return errors.BridgeNotFoundError
	case status >= 500:
		return errors.BridgeInternalError
	}
	return errors.BridgeRequestError
}

// refineCode rewraps generic bridge request failures with the code of the
// operation that issued them, keeping auth/rate/timeout categories intact.
func refineCode(err error, code errors.Code) error {
	switch errors.CodeOf(err) {
	case errors.BridgeRequestError, errors.BridgeInternalError:
		return errors.NewTransferError(code, err)
	}
	return err
}
