package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "nil error", err: nil, want: TransferOK},
		{name: "direct transfer error", err: NewTransferError(FarmerTimeoutError, nil), want: FarmerTimeoutError},
		{
			name: "wrapped transfer error",
			err:  fmt.Errorf("shard 3: %w", NewTransferError(FileWriteError, stderrors.New("disk full"))),
			want: FileWriteError,
		},
		{name: "cancellation sentinel", err: ErrTransferCanceled, want: TransferCanceled},
		{name: "unclassified error", err: stderrors.New("something else"), want: BridgeRequestError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCode_Fatal(t *testing.T) {
	nonFatal := []Code{
		TransferOK, FarmerRequestError, FarmerTimeoutError,
		FarmerAuthError, FarmerIntegrityError, BridgePointerError,
	}
	for _, code := range nonFatal {
		if code.Fatal() {
			t.Errorf("%v.Fatal() = true, want false", code)
		}
	}

	fatal := []Code{
		TransferCanceled, BridgeAuthError, BridgeTokenError,
		FarmerExhaustedError, FileIntegrityError, FileShardMissingError,
		MemoryError, QueueError,
	}
	for _, code := range fatal {
		if !code.Fatal() {
			t.Errorf("%v.Fatal() = false, want true", code)
		}
	}
}

func TestCode_Message(t *testing.T) {
	if got := TransferOK.Message(); got != "no error" {
		t.Errorf("TransferOK.Message() = %q", got)
	}
	if got := FarmerExhaustedError.Message(); got != "farmer exhausted" {
		t.Errorf("FarmerExhaustedError.Message() = %q", got)
	}
	if got := Code(9999).Message(); got != "unknown error" {
		t.Errorf("Code(9999).Message() = %q", got)
	}
}

func TestTransferError_Unwrap(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := NewTransferError(FarmerRequestError, cause)

	if !Is(err, cause) {
		t.Error("Is() does not reach the wrapped cause")
	}

	var te *TransferError
	if !As(err, &te) {
		t.Fatal("As() failed on a TransferError")
	}
	if te.Code != FarmerRequestError {
		t.Errorf("Code = %v, want FarmerRequestError", te.Code)
	}
}

func TestTransferError_Error(t *testing.T) {
	withCause := NewTransferError(FileReadError, stderrors.New("short read"))
	if got := withCause.Error(); got != "file read error: short read" {
		t.Errorf("Error() = %q", got)
	}
	bare := NewTransferError(FileReadError, nil)
	if got := bare.Error(); got != "file read error" {
		t.Errorf("Error() = %q", got)
	}
}
