package erasure

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/driftbyte/shardpipe/internal/errors"
)

func randomShards(t *testing.T, dataShards, shardSize int) [][]byte {
	t.Helper()
	shards := make([][]byte, dataShards)
	for i := range shards {
		shards[i] = make([]byte, shardSize)
		if _, err := rand.Read(shards[i]); err != nil {
			t.Fatalf("rand.Read: %v", err)
		}
	}
	return shards
}

func TestEngine_EncodeParity(t *testing.T) {
	engine, err := NewEngine(4, 2)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	shards := randomShards(t, 4, 1024)
	shards = append(shards, nil, nil)

	if err := engine.EncodeParity(shards); err != nil {
		t.Fatalf("EncodeParity() error = %v", err)
	}
	for i := 4; i < 6; i++ {
		if len(shards[i]) != 1024 {
			t.Errorf("parity shard %d has %d bytes, want 1024", i, len(shards[i]))
		}
	}

	// Parity is a pure function of the data shards.
	again := make([][]byte, 6)
	for i := 0; i < 4; i++ {
		again[i] = append([]byte(nil), shards[i]...)
	}
	if err := engine.EncodeParity(again); err != nil {
		t.Fatalf("EncodeParity() error = %v", err)
	}
	for i := 4; i < 6; i++ {
		if !bytes.Equal(again[i], shards[i]) {
			t.Errorf("parity shard %d differs between encodes", i)
		}
	}
}

func TestEngine_EncodeParityShardCountMismatch(t *testing.T) {
	engine, err := NewEngine(4, 2)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	err = engine.EncodeParity(randomShards(t, 4, 64))
	if errors.CodeOf(err) != errors.FileParityError {
		t.Errorf("EncodeParity() code = %v, want FileParityError", errors.CodeOf(err))
	}
}

// Losing any m shards must still reconstruct the original data exactly.
func TestEngine_ReconstructFromAnySubset(t *testing.T) {
	const dataShards, parityShards, shardSize = 4, 2, 512

	engine, err := NewEngine(dataShards, parityShards)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	original := randomShards(t, dataShards, shardSize)
	full := make([][]byte, dataShards+parityShards)
	for i, s := range original {
		full[i] = append([]byte(nil), s...)
	}
	if err := engine.EncodeParity(full); err != nil {
		t.Fatalf("EncodeParity() error = %v", err)
	}

	total := dataShards + parityShards
	for first := 0; first < total; first++ {
		for second := first + 1; second < total; second++ {
			damaged := make([][]byte, total)
			for i := range full {
				damaged[i] = append([]byte(nil), full[i]...)
			}
			damaged[first] = nil
			damaged[second] = nil

			if err := engine.ReconstructData(damaged); err != nil {
				t.Fatalf("ReconstructData() dropping (%d,%d) error = %v", first, second, err)
			}
			for i := 0; i < dataShards; i++ {
				if !bytes.Equal(damaged[i], original[i]) {
					t.Errorf("data shard %d differs after dropping (%d,%d)", i, first, second)
				}
			}
		}
	}
}

func TestEngine_ReconstructDataLeavesParityNil(t *testing.T) {
	engine, err := NewEngine(2, 2)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	original := randomShards(t, 2, 256)
	full := [][]byte{
		append([]byte(nil), original[0]...),
		append([]byte(nil), original[1]...),
		nil, nil,
	}
	if err := engine.EncodeParity(full); err != nil {
		t.Fatalf("EncodeParity() error = %v", err)
	}

	full[0] = nil
	full[3] = nil
	if err := engine.ReconstructData(full); err != nil {
		t.Fatalf("ReconstructData() error = %v", err)
	}
	if !bytes.Equal(full[0], original[0]) {
		t.Error("data shard 0 not recovered")
	}
	if full[3] != nil {
		t.Error("parity shard 3 was rebuilt, want nil")
	}
}

func TestEngine_ReconstructInsufficientShards(t *testing.T) {
	engine, err := NewEngine(4, 2)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	shards := randomShards(t, 4, 128)
	shards = append(shards, nil, nil)
	if err := engine.EncodeParity(shards); err != nil {
		t.Fatalf("EncodeParity() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		shards[i] = nil
	}

	err = engine.ReconstructData(shards)
	if errors.CodeOf(err) != errors.FileShardMissingError {
		t.Errorf("ReconstructData() code = %v, want FileShardMissingError", errors.CodeOf(err))
	}
	if !errors.Is(err, errors.ErrInsufficientShards) {
		t.Errorf("ReconstructData() error = %v, want ErrInsufficientShards in chain", err)
	}
}

func TestCheckScheme(t *testing.T) {
	tests := []struct {
		name    string
		scheme  string
		wantErr bool
	}{
		{name: "reed-solomon", scheme: "reedsolomon", wantErr: false},
		{name: "no redundancy", scheme: "", wantErr: false},
		{name: "unknown scheme", scheme: "fountain", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckScheme(tt.scheme)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckScheme(%q) error = %v, wantErr %v", tt.scheme, err, tt.wantErr)
			}
			if tt.wantErr && errors.CodeOf(err) != errors.FileUnsupportedCoding {
				t.Errorf("CheckScheme(%q) code = %v, want FileUnsupportedCoding", tt.scheme, errors.CodeOf(err))
			}
		})
	}
}

func TestDetermineShardSize(t *testing.T) {
	const mib = int64(1024 * 1024)

	tests := []struct {
		name     string
		fileSize int64
		want     int64
	}{
		{name: "zero", fileSize: 0, want: 0},
		{name: "negative", fileSize: -1, want: 0},
		{name: "tiny file floors at minimum", fileSize: 1, want: 2 * mib},
		{name: "exactly minimum", fileSize: 2 * mib, want: 2 * mib},
		{name: "within backoff window", fileSize: 16 * mib, want: 2 * mib},
		{name: "first backed-off step", fileSize: 32 * mib, want: 2 * mib},
		{name: "one past a multiple", fileSize: 32*mib + 1, want: 4 * mib},
		{name: "large file", fileSize: 1024 * mib, want: 64 * mib},
		{name: "capped at maximum", fileSize: 1 << 50, want: MaxShardSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetermineShardSize(tt.fileSize); got != tt.want {
				t.Errorf("DetermineShardSize(%d) = %d, want %d", tt.fileSize, got, tt.want)
			}
		})
	}
}

func TestDefaultParityShards(t *testing.T) {
	tests := []struct {
		dataShards int
		want       int
	}{
		{dataShards: 1, want: 1},
		{dataShards: 3, want: 2},
		{dataShards: 4, want: 3},
		{dataShards: 6, want: 4},
		{dataShards: 12, want: 8},
	}

	for _, tt := range tests {
		if got := DefaultParityShards(tt.dataShards); got != tt.want {
			t.Errorf("DefaultParityShards(%d) = %d, want %d", tt.dataShards, got, tt.want)
		}
	}
}

func TestShardCount(t *testing.T) {
	tests := []struct {
		name      string
		fileSize  int64
		shardSize int64
		want      int
	}{
		{name: "exact multiple", fileSize: 8192, shardSize: 2048, want: 4},
		{name: "partial tail shard", fileSize: 8193, shardSize: 2048, want: 5},
		{name: "smaller than one shard", fileSize: 10, shardSize: 2048, want: 1},
		{name: "empty file", fileSize: 0, shardSize: 2048, want: 0},
		{name: "zero shard size", fileSize: 100, shardSize: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShardCount(tt.fileSize, tt.shardSize); got != tt.want {
				t.Errorf("ShardCount(%d, %d) = %d, want %d", tt.fileSize, tt.shardSize, got, tt.want)
			}
		})
	}
}
