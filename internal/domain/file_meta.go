package domain

// ErasureSchemeReedSolomon is the only erasure scheme identifier this client
// understands. Any other non-empty scheme on a file fails fast before shard
// work is scheduled.
const ErasureSchemeReedSolomon = "reedsolomon"

// FileMeta - logical file attributes fetched from the bridge before a
// transfer begins. Immutable once fetched; owned by the transfer state.
type FileMeta struct {
	ID       string `json:"id"`
	BucketID string `json:"bucket"`
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
	Size     int64  `json:"size"`
	// Index is the 32-byte hex file index the per-file encryption key and
	// initial stream counter are derived from.
	Index   string `json:"index"`
	Erasure string `json:"erasure"`
	HMAC    string `json:"hmac"`
	Created string `json:"created"`
}

// Farmer - contact information for one remote storage node.
type Farmer struct {
	NodeID   string `json:"nodeID"`
	Protocol string `json:"protocol"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
}

// Frame - a bridge-side grouping of shard pointers representing one file's
// upload session.
type Frame struct {
	ID      string `json:"id"`
	Created string `json:"created"`
}

// ShardMeta describes one shard offered to the bridge when staging an
// upload frame.
type ShardMeta struct {
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
	Index    int    `json:"index"`
	IsParity bool   `json:"parity"`
}
