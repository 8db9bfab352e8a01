// Package cryptostream implements the streaming encryption and integrity
// layer: a counter-mode AES stream positioned by absolute file offset, so a
// shard can be retried or replaced without perturbing the cipher-stream
// position of any other shard, plus the file-level HMAC and the farmer
// shard challenge hash.
package cryptostream

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/ripemd160"

	"github.com/driftbyte/shardpipe/internal/errors"
)

const (
	keySize     = 32
	counterSize = aes.BlockSize
	// IndexSize is the byte length of the random per-file index the key
	// and initial counter derive from.
	IndexSize = 32

	pbkdf2Iterations = 4096
)

// DeriveMasterKey stretches a passphrase into the 32-byte master key all
// per-file keys derive from.
func DeriveMasterKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, pbkdf2Iterations, keySize, sha256.New)
}

// NewIndex mints the random hex file index for a new upload.
func NewIndex() (string, error) {
	idx := make([]byte, IndexSize)
	if _, err := rand.Read(idx); err != nil {
		return "", errors.NewTransferError(errors.MemoryError, err)
	}
	return hex.EncodeToString(idx), nil
}

// Stream holds the derived per-file key material. The key and initial
// counter are deterministic functions of file identity (bucket id + index),
// never of transfer order.
type Stream struct {
	block   cipher.Block
	key     []byte
	counter [counterSize]byte
}

// NewStream derives the per-file content key and initial counter. The key
// is the first 32 bytes of HMAC-SHA512(masterKey, bucketID || index); the
// counter is the first 16 bytes of the decoded index.
func NewStream(masterKey []byte, bucketID, index string) (*Stream, error) {
	if len(masterKey) != keySize {
		return nil, errors.NewTransferError(errors.FileEncryptionError,
			fmt.Errorf("master key must be %d bytes, got %d", keySize, len(masterKey)))
	}
	indexBytes, err := hex.DecodeString(index)
	if err != nil || len(indexBytes) != IndexSize {
		return nil, errors.NewTransferError(errors.FileEncryptionError,
			fmt.Errorf("file index must be %d hex-encoded bytes", IndexSize))
	}

	mac := hmac.New(sha512.New, masterKey)
	mac.Write([]byte(bucketID))
	mac.Write(indexBytes)
	fileKey := mac.Sum(nil)[:keySize]

	block, err := aes.NewCipher(fileKey)
	if err != nil {
		return nil, errors.NewTransferError(errors.FileEncryptionError, err)
	}

	s := &Stream{block: block, key: fileKey}
	copy(s.counter[:], indexBytes[:counterSize])
	return s, nil
}

// XORKeyStreamAt en/decrypts buf in place with the keystream positioned at
// the given absolute stream offset. CTR mode is symmetric, so the same call
// serves both directions.
func (s *Stream) XORKeyStreamAt(buf []byte, offset int64) error {
	if s.block == nil {
		return errors.NewTransferError(errors.FileEncryptionError,
			fmt.Errorf("stream key material already destroyed"))
	}
	if offset < 0 {
		return errors.NewTransferError(errors.FileEncryptionError,
			fmt.Errorf("negative stream offset %d", offset))
	}

	var counter [counterSize]byte
	copy(counter[:], s.counter[:])
	addToCounter(&counter, uint64(offset)/aes.BlockSize)

	ctr := cipher.NewCTR(s.block, counter[:])
	if skip := int(offset % aes.BlockSize); skip > 0 {
		discard := make([]byte, skip)
		ctr.XORKeyStream(discard, discard)
	}
	ctr.XORKeyStream(buf, buf)
	return nil
}

// EncryptAt encrypts plaintext in place at the given absolute offset.
func (s *Stream) EncryptAt(buf []byte, offset int64) error {
	return s.XORKeyStreamAt(buf, offset)
}

// DecryptAt decrypts ciphertext in place at the given absolute offset.
func (s *Stream) DecryptAt(buf []byte, offset int64) error {
	return s.XORKeyStreamAt(buf, offset)
}

// NewFileHMAC returns the keyed hash used for the file-level integrity
// check over plaintext.
func (s *Stream) NewFileHMAC() hash.Hash {
	return hmac.New(sha512.New, s.key)
}

// VerifyFileHMAC compares a computed file HMAC against the hex digest
// published in the file's metadata, in constant time.
func VerifyFileHMAC(mac hash.Hash, expectedHex string) error {
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return errors.NewTransferError(errors.FileIntegrityError,
			fmt.Errorf("malformed hmac digest: %w", err))
	}
	if !hmac.Equal(mac.Sum(nil), expected) {
		return errors.NewTransferError(errors.FileDecryptionError,
			fmt.Errorf("file hmac mismatch"))
	}
	return nil
}

// Destroy overwrites the key material with zeros. The stream is unusable
// afterwards.
func (s *Stream) Destroy() {
	for i := range s.key {
		s.key[i] = 0
	}
	for i := range s.counter {
		s.counter[i] = 0
	}
	s.block = nil
}

// ShardHash computes the farmer challenge hash for a shard:
// hex ripemd160(sha256(data)).
func ShardHash(data []byte) string {
	sha := sha256.Sum256(data)
	rmd := ripemd160.New()
	rmd.Write(sha[:])
	return hex.EncodeToString(rmd.Sum(nil))
}

// addToCounter adds n to a big-endian 128-bit counter, wrapping on
// overflow.
func addToCounter(counter *[counterSize]byte, n uint64) {
	for i := counterSize - 1; i >= 0 && n > 0; i-- {
		sum := uint64(counter[i]) + (n & 0xff)
		counter[i] = byte(sum)
		n = (n >> 8) + (sum >> 8)
	}
}
