package gatewayshard

import (
	"bytes"
	"compress/flate"
	"errors"
	"io"

	"golang.org/x/xerrors"
)

// zlibFlushSuffix is the 4-byte marker the platform appends to the end
// of every logical deflate-stream message.
var zlibFlushSuffix = []byte{0x00, 0x00, 0xFF, 0xFF}

// inflater decodes the zlib-stream transport: a single long-lived
// inflate context spanning the entire connection, fed by concatenated
// binary WebSocket messages. There is exactly one zlib header for the
// whole connection (emitted in the very first compressed message);
// every later message is a continuation of the same deflate stream,
// terminated at each logical boundary by a Z_SYNC_FLUSH empty block
// rather than a new header.
//
// Two naive approaches both fail here. compress/zlib's own Resetter
// always re-parses a fresh 2-byte zlib header on Reset, which only the
// very first message actually carries. And simply keeping one
// zlib.Reader alive over a buffer that keeps growing doesn't work
// either: compress/flate reads straight through the empty stored block
// that encodes Z_SYNC_FLUSH and hits the end of whatever's currently
// buffered, which it reports as io.ErrUnexpectedEOF — and that error is
// stored on the decompressor permanently, so every later Read returns
// it immediately even once more bytes have been fed in.
//
// The fix is to drive compress/flate directly, underneath zlib's own
// header handling: read the connection's 2-byte header once by hand
// below, then use flate's Resetter before every message after the
// first. flate.Reset doesn't touch any header — flate has none — it
// only clears the decompressor's stuck error and re-arms it to
// continue reading from the same buffer at the current position, which
// is exactly a fresh block boundary since Z_SYNC_FLUSH always leaves
// the bitstream byte-aligned. Reset does forget the decompressor's
// sliding window, though, so the last 32KB of decompressed output is
// carried forward by hand as a preset dictionary on every Reset — the
// same window discordclient.h's persistent z_stream keeps across flush
// boundaries for free.
type inflater struct {
	buf        *bytes.Buffer
	flate      io.ReadCloser
	headerSeen bool
	dict       []byte
	scratch    []byte

	decompressedTotal   uint64
	consecutiveFailures int
}

const (
	scratchSize = 128 * 1024
	maxDictSize = 32 * 1024
)

var ErrInflateFailed = xerrors.New("gatewayshard: zlib inflate failed")

func newInflater() *inflater {
	return &inflater{
		buf:     new(bytes.Buffer),
		scratch: make([]byte, scratchSize),
	}
}

// Inflate feeds one received binary WebSocket message's payload into
// the persistent inflate context and returns the concatenation of
// whatever complete JSON text the decompressor was able to drain from
// it. On the traffic pattern the gateway actually produces — one
// Z_SYNC_FLUSH-terminated deflate block per WebSocket message — this
// returns exactly that message's decoded JSON.
func (z *inflater) Inflate(message []byte) ([]byte, error) {
	z.buf.Write(message)

	if !z.headerSeen {
		if z.buf.Len() < 2 {
			// Not even enough bytes for the zlib header yet; wait for more.
			return nil, nil
		}

		// Discard the connection's one and only 2-byte zlib header
		// (CMF, FLG) ourselves; the gateway never sets the preset-dictionary
		// flag, and the trailing Adler-32 only matters at true
		// end-of-stream, which this connection never reaches.
		z.buf.Next(2)
		z.headerSeen = true
	}

	if z.flate == nil {
		z.flate = flate.NewReader(z.buf)
	} else if err := z.flate.(flate.Resetter).Reset(z.buf, z.dict); err != nil {
		z.consecutiveFailures++
		return nil, xerrors.Errorf("%w: resetting context: %v", ErrInflateFailed, err)
	}

	var out bytes.Buffer

	for {
		n, err := z.flate.Read(z.scratch)
		if n > 0 {
			out.Write(z.scratch[:n])
		}

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}

			z.consecutiveFailures++
			return out.Bytes(), xerrors.Errorf("%w: %v", ErrInflateFailed, err)
		}

		if n == 0 {
			break
		}
	}

	z.consecutiveFailures = 0
	z.decompressedTotal += uint64(out.Len())
	z.carryDict(out.Bytes())

	return out.Bytes(), nil
}

// carryDict folds newly decompressed bytes into the rolling window
// handed to flate's Resetter on the next message, so back-references
// that cross a Z_SYNC_FLUSH boundary still resolve once Reset has
// wiped the decompressor's own window.
func (z *inflater) carryDict(out []byte) {
	z.dict = append(z.dict, out...)
	if len(z.dict) > maxDictSize {
		z.dict = z.dict[len(z.dict)-maxDictSize:]
	}
}

// ConsecutiveFailures reports how many Inflate calls in a row have
// failed. Three in a row is the threshold at which the caller should
// hard-reset the context and reconnect rather than keep retrying.
func (z *inflater) ConsecutiveFailures() int {
	return z.consecutiveFailures
}

// Reset discards the inflate context and any buffered input entirely,
// forcing a fresh zlib stream on the next Inflate call. Used after
// repeated inflate failures, since the connection that context was
// tracking is being torn down anyway.
func (z *inflater) Reset() {
	if z.flate != nil {
		z.flate.Close()
	}
	z.flate = nil
	z.headerSeen = false
	z.dict = nil
	z.buf.Reset()
	z.consecutiveFailures = 0
}

// DecompressedBytesIn reports the cumulative number of decompressed
// bytes produced across the lifetime of this inflater.
func (z *inflater) DecompressedBytesIn() uint64 {
	return z.decompressedTotal
}

// hasFlushSuffix reports whether message ends with the zlib-stream
// flush marker. A reassembled binary message that doesn't is either
// truncated or not a zlib-stream payload at all; handleMessage checks
// this before decoding so that case surfaces as a clear warning rather
// than a confusing inflate failure.
func hasFlushSuffix(message []byte) bool {
	return len(message) >= 4 && bytes.Equal(message[len(message)-4:], zlibFlushSuffix)
}
