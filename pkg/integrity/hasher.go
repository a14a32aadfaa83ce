package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
)

// ErrIncompleteStream is returned by Sum when the wrapped stream has not been
// consumed in full, so the digest would not cover the whole payload.
var ErrIncompleteStream = errors.New("integrity: stream not fully consumed")

// Reader is a pass-through wrapper that feeds every byte read through it into
// a running SHA-256 digest. Chunk content and boundaries seen by the consumer
// are unchanged; memory overhead is constant regardless of payload size.
type Reader struct {
	src  io.Reader
	hash hash.Hash
	size int64
	read int64
	done bool
}

// NewReader wraps src with digest accumulation. size is the expected payload
// length; consumers with a known length (object store puts) read exactly that
// many bytes and may never surface io.EOF, so the reader also treats reaching
// size as end-of-stream. Pass a negative size when the length is unknown.
func NewReader(src io.Reader, size int64) *Reader {
	return &Reader{src: src, hash: sha256.New(), size: size}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		// hash.Hash.Write never returns an error.
		r.hash.Write(p[:n])
		r.read += int64(n)
		if r.size >= 0 && r.read >= r.size {
			r.done = true
		}
	}
	if errors.Is(err, io.EOF) {
		r.done = true
	}
	return n, err
}

// BytesRead reports how many bytes have passed through so far.
func (r *Reader) BytesRead() int64 {
	return r.read
}

// Sum returns the lowercase hex SHA-256 digest of everything that flowed
// through the reader. It fails with ErrIncompleteStream until end-of-stream
// has been reached, so a partial digest can never be returned silently.
func (r *Reader) Sum() (string, error) {
	if !r.done {
		return "", ErrIncompleteStream
	}
	return hex.EncodeToString(r.hash.Sum(nil)), nil
}
