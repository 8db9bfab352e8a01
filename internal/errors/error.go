package errors

import (
	"errors"
	"fmt"
)

var (
	ErrMissingRequiredFields = errors.New("missing required fields")
	ErrInsufficientShards    = errors.New("insufficient shards available for reconstruction")
	ErrEmptyFile             = errors.New("cannot transfer empty file")
	ErrTransferCanceled      = errors.New("transfer canceled")
	ErrShardSizeMismatch     = errors.New("shard transferred size does not match requested size")
)

// Code identifies one failure category of the transfer engine. Codes are
// grouped by the subsystem that produced them: bridge (1xxx), farmer (2xxx),
// file (3xxx), resource (4xxx) and queueing (5xxx). Zero is success.
type Code int

const (
	TransferOK       Code = 0
	TransferCanceled Code = 1

	// Bridge protocol errors
	BridgeRequestError   Code = 1000
	BridgeAuthError      Code = 1001
	BridgeTokenError     Code = 1002
	BridgeTimeoutError   Code = 1003
	BridgeInternalError  Code = 1004
	BridgeRateError      Code = 1005
	BridgeNotFoundError  Code = 1006
	BridgeJSONError      Code = 1007
	BridgeFrameError     Code = 1008
	BridgePointerError   Code = 1009
	BridgeFileInfoError  Code = 1010
	BridgeRepointerError Code = 1011

	// Farmer errors
	FarmerRequestError   Code = 2000
	FarmerTimeoutError   Code = 2001
	FarmerAuthError      Code = 2002
	FarmerExhaustedError Code = 2003
	FarmerIntegrityError Code = 2004

	// File errors
	FileIntegrityError    Code = 3000
	FileWriteError        Code = 3001
	FileEncryptionError   Code = 3002
	FileDecryptionError   Code = 3003
	FileReadError         Code = 3004
	FileShardMissingError Code = 3005
	FileUnrecoverable     Code = 3006
	FileResizeError       Code = 3007
	FileUnsupportedCoding Code = 3008
	FileParityError       Code = 3009

	// Resource errors
	MemoryError  Code = 4000
	MappingError Code = 4001

	// Queueing errors
	QueueError Code = 5000
)

var codeMessages = map[Code]string{
	TransferOK:            "no error",
	TransferCanceled:      "transfer canceled",
	BridgeRequestError:    "bridge request error",
	BridgeAuthError:       "bridge request authorization error",
	BridgeTokenError:      "bridge request token error",
	BridgeTimeoutError:    "bridge request timeout error",
	BridgeInternalError:   "bridge request internal error",
	BridgeRateError:       "bridge rate limit error",
	BridgeNotFoundError:   "bridge resource not found",
	BridgeJSONError:       "unexpected JSON response from bridge",
	BridgeFrameError:      "bridge frame request error",
	BridgePointerError:    "bridge request pointer error",
	BridgeFileInfoError:   "bridge file info error",
	BridgeRepointerError:  "bridge request replace pointer error",
	FarmerRequestError:    "farmer request error",
	FarmerTimeoutError:    "farmer request timeout error",
	FarmerAuthError:       "farmer request authorization error",
	FarmerExhaustedError:  "farmer exhausted",
	FarmerIntegrityError:  "farmer request integrity error",
	FileIntegrityError:    "file integrity error",
	FileWriteError:        "file write error",
	FileEncryptionError:   "file encryption error",
	FileDecryptionError:   "file decryption error",
	FileReadError:         "file read error",
	FileShardMissingError: "file shard missing error",
	FileUnrecoverable:     "file unrecoverable error",
	FileResizeError:       "file resize error",
	FileUnsupportedCoding: "file unsupported erasure coding scheme",
	FileParityError:       "file create parity error",
	MemoryError:           "memory error",
	MappingError:          "memory mapped file error",
	QueueError:            "queue error",
}

// Message returns the stable human-readable message for a code.
func (c Code) Message() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return "unknown error"
}

// Fatal reports whether a code should halt scheduling of new work once
// latched on the aggregate transfer state. Per-shard retryable failures
// (ordinary farmer/bridge hiccups) are not fatal; they feed the pointer
// replace cycle instead.
func (c Code) Fatal() bool {
	switch c {
	case TransferOK, FarmerRequestError, FarmerTimeoutError, FarmerAuthError,
		FarmerIntegrityError, BridgePointerError:
		return false
	}
	return true
}

// TransferError is an error carrying a transfer code. Every failure that
// crosses the worker/coordinator boundary is wrapped in one of these so the
// scheduler can switch on the category without string matching.
type TransferError struct {
	Code  Code
	cause error
}

func NewTransferError(code Code, cause error) *TransferError {
	return &TransferError{Code: code, cause: cause}
}

func (e *TransferError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Code.Message(), e.cause)
	}
	return e.Code.Message()
}

func (e *TransferError) Unwrap() error {
	return e.cause
}

// CodeOf extracts the transfer code from an error chain. Errors that carry
// no code map to BridgeRequestError for bridge-free call sites to refine.
func CodeOf(err error) Code {
	if err == nil {
		return TransferOK
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Code
	}
	if errors.Is(err, ErrTransferCanceled) {
		return TransferCanceled
	}
	return BridgeRequestError
}

// Is and As re-export the standard error inspection helpers so call sites
// need only one errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

func ConfigNotSetError(config string) error {
	return fmt.Errorf("the %s configuration value must be set", config)
}
