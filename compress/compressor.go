// Package compress provides payload compression and content fingerprinting
// for gossip wire efficiency. Compression is advisory: a corrupt blob fails
// the single exchange it arrived on, never the node.
package compress

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"io"
	"sync"

	"github.com/hiveworks/swarmmem/core"
)

// Algorithm names a compression codec.
type Algorithm string

const (
	AlgorithmNone  Algorithm = "none"
	AlgorithmGzip  Algorithm = "gzip"
	AlgorithmFlate Algorithm = "flate"
)

// Blob is a compressed payload with enough metadata to restore and verify it.
type Blob struct {
	Algorithm    Algorithm `json:"algorithm"`
	Data         []byte    `json:"data"`
	Fingerprint  string    `json:"fingerprint"`
	OriginalSize int       `json:"originalSize"`
}

// Stats is a snapshot of compressor activity.
type Stats struct {
	Compressed   uint64  `json:"compressed"`
	Decompressed uint64  `json:"decompressed"`
	Failures     uint64  `json:"failures"`
	BytesIn      uint64  `json:"bytesIn"`
	BytesOut     uint64  `json:"bytesOut"`
	Ratio        float64 `json:"ratio"`
}

// Compressor compresses payloads and computes content fingerprints used to
// deduplicate identical deltas before gossip.
type Compressor struct {
	algorithm Algorithm
	logger    core.Logger

	mu           sync.Mutex
	compressed   uint64
	decompressed uint64
	failures     uint64
	bytesIn      uint64
	bytesOut     uint64
}

// NewCompressor creates a compressor with the given default algorithm.
func NewCompressor(algorithm Algorithm) (*Compressor, error) {
	switch algorithm {
	case AlgorithmGzip, AlgorithmFlate, AlgorithmNone:
	default:
		return nil, &core.MemoryError{Op: "compress.NewCompressor", Kind: "compress",
			Err: fmt.Errorf("%w: unknown algorithm %q", core.ErrInvalidConfiguration, algorithm)}
	}
	return &Compressor{
		algorithm: algorithm,
		logger:    &core.NoOpLogger{},
	}, nil
}

// SetLogger configures the logger for this compressor
func (c *Compressor) SetLogger(logger core.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Fingerprint computes a stable content hash of a payload (FNV-128a hex).
func Fingerprint(payload []byte) string {
	h := fnv.New128a()
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Compress compresses the payload with the compressor's algorithm and stamps
// the blob with the payload's fingerprint.
func (c *Compressor) Compress(payload []byte) (Blob, error) {
	return c.CompressWith(payload, c.algorithm)
}

// CompressWith compresses with an explicit algorithm.
func (c *Compressor) CompressWith(payload []byte, algorithm Algorithm) (Blob, error) {
	blob := Blob{
		Algorithm:    algorithm,
		Fingerprint:  Fingerprint(payload),
		OriginalSize: len(payload),
	}

	var buf bytes.Buffer
	switch algorithm {
	case AlgorithmNone:
		blob.Data = append([]byte(nil), payload...)
	case AlgorithmGzip:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return Blob{}, c.fail("compress.Compress", err)
		}
		if err := w.Close(); err != nil {
			return Blob{}, c.fail("compress.Compress", err)
		}
		blob.Data = buf.Bytes()
	case AlgorithmFlate:
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return Blob{}, c.fail("compress.Compress", err)
		}
		if _, err := w.Write(payload); err != nil {
			return Blob{}, c.fail("compress.Compress", err)
		}
		if err := w.Close(); err != nil {
			return Blob{}, c.fail("compress.Compress", err)
		}
		blob.Data = buf.Bytes()
	default:
		return Blob{}, c.fail("compress.Compress",
			fmt.Errorf("%w: unknown algorithm %q", core.ErrInvalidConfiguration, algorithm))
	}

	c.mu.Lock()
	c.compressed++
	c.bytesIn += uint64(len(payload))
	c.bytesOut += uint64(len(blob.Data))
	c.mu.Unlock()
	return blob, nil
}

// Decompress restores a blob's payload and verifies its fingerprint. Any
// failure wraps ErrCompressionFailure so the caller can request an
// uncompressed resend instead of faulting the node.
func (c *Compressor) Decompress(blob Blob) ([]byte, error) {
	var payload []byte
	switch blob.Algorithm {
	case AlgorithmNone:
		payload = blob.Data
	case AlgorithmGzip:
		r, err := gzip.NewReader(bytes.NewReader(blob.Data))
		if err != nil {
			return nil, c.fail("compress.Decompress", fmt.Errorf("%w: %v", core.ErrCompressionFailure, err))
		}
		payload, err = io.ReadAll(r)
		if err != nil {
			return nil, c.fail("compress.Decompress", fmt.Errorf("%w: %v", core.ErrCompressionFailure, err))
		}
		r.Close()
	case AlgorithmFlate:
		r := flate.NewReader(bytes.NewReader(blob.Data))
		var err error
		payload, err = io.ReadAll(r)
		if err != nil {
			return nil, c.fail("compress.Decompress", fmt.Errorf("%w: %v", core.ErrCompressionFailure, err))
		}
		r.Close()
	default:
		return nil, c.fail("compress.Decompress",
			fmt.Errorf("%w: unknown algorithm %q", core.ErrCompressionFailure, blob.Algorithm))
	}

	if blob.Fingerprint != "" && Fingerprint(payload) != blob.Fingerprint {
		return nil, c.fail("compress.Decompress",
			fmt.Errorf("%w: fingerprint mismatch", core.ErrCompressionFailure))
	}

	c.mu.Lock()
	c.decompressed++
	c.mu.Unlock()
	return payload, nil
}

func (c *Compressor) fail(op string, err error) error {
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
	return &core.MemoryError{Op: op, Kind: "compress", Err: err}
}

// Stats returns a snapshot of compressor activity. Ratio is output bytes over
// input bytes; lower is better.
func (c *Compressor) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Compressed:   c.compressed,
		Decompressed: c.decompressed,
		Failures:     c.failures,
		BytesIn:      c.bytesIn,
		BytesOut:     c.bytesOut,
	}
	if c.bytesIn > 0 {
		s.Ratio = float64(c.bytesOut) / float64(c.bytesIn)
	}
	return s
}
