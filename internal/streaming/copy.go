// Package streaming copies a byte stream into a flash region one bounded
// chunk at a time.
package streaming

import (
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/jaywantadh/flashfetch/pkg/logging"
)

const DefaultBufferSize = 1024

// Progress describes a copy, either in flight or finished.
type Progress struct {
	Chunks      int
	Bytes       int64
	WriteErrors int
	Elapsed     time.Duration
	// Digest is the BLAKE2b-256 of the bytes read, hex encoded. It is only
	// set on the final Progress.
	Digest string
	// ReadErr is the error that ended the stream, nil on a clean end.
	ReadErr error
}

// Copier moves bytes from a reader to a region addressed by offset.
type Copier struct {
	BufferSize int
	Log        *logrus.Entry
	// OnChunk, when set, is called after every chunk.
	OnChunk func(Progress)
}

// Copy reads up to BufferSize bytes at a time from src and writes each
// non-empty read to dst at the cursor, which starts at 0 and advances by
// the bytes read. The loop ends on the first empty read or read error.
// Write failures are logged and counted but neither retried nor fatal, and
// nothing checks the cursor against the size of dst.
func (c *Copier) Copy(src io.Reader, dst io.WriterAt) Progress {
	size := c.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	log := c.Log
	if log == nil {
		log = logging.Discard()
	}

	buf := make([]byte, size)
	h := newDigest()
	start := time.Now()

	var p Progress
	var offset int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.WriteAt(buf[:n], offset); werr != nil {
				p.WriteErrors++
				log.WithError(werr).WithField("offset", offset).Warn("Flash write failed")
			}
			h.Write(buf[:n])
			offset += int64(n)
			p.Chunks++
			p.Bytes = offset
			if c.OnChunk != nil {
				p.Elapsed = time.Since(start)
				c.OnChunk(p)
			}
		}
		if n <= 0 || err != nil {
			if err != nil && !errors.Is(err, io.EOF) {
				p.ReadErr = err
			}
			break
		}
	}

	p.Elapsed = time.Since(start)
	p.Digest = hex.EncodeToString(h.Sum(nil))
	return p
}

// newDigest returns an unkeyed BLAKE2b-256. blake2b only rejects keys
// longer than 64 bytes.
func newDigest() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	return h
}

// Copy runs a Copier with the given buffer size.
func Copy(src io.Reader, dst io.WriterAt, bufSize int) Progress {
	c := &Copier{BufferSize: bufSize}
	return c.Copy(src, dst)
}
