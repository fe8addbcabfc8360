package wsframe

import "encoding/binary"

// TryDecodeFrame attempts to decode one frame from the front of buf.
// It returns ok=false (with a nil error) if buf does not yet hold a
// complete frame — the caller should wait for more bytes and retry,
// exactly matching the handle_buffer contract of consuming a prefix
// and reporting whether progress was made. A non-nil error means the
// bytes present can never form a valid frame.
func TryDecodeFrame(buf []byte) (frame Frame, consumed int, ok bool, err error) {
	if len(buf) < 2 {
		return Frame{}, 0, false, nil
	}

	final := buf[0]&finBit != 0
	opcode := Opcode(buf[0] & opcodeMask)
	masked := buf[1]&maskBit != 0
	lenField := int64(buf[1] & payloadLenMask)

	offset := 2

	var payloadLen int64

	switch lenField {
	case 126:
		if len(buf) < offset+2 {
			return Frame{}, 0, false, nil
		}
		payloadLen = int64(binary.BigEndian.Uint16(buf[offset : offset+2]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return Frame{}, 0, false, nil
		}
		payloadLen = int64(binary.BigEndian.Uint64(buf[offset : offset+8]))
		offset += 8
	default:
		payloadLen = lenField
	}

	var maskKey [4]byte
	if masked {
		if len(buf) < offset+4 {
			return Frame{}, 0, false, nil
		}
		copy(maskKey[:], buf[offset:offset+4])
		offset += 4
	}

	if int64(len(buf)) < int64(offset)+payloadLen {
		return Frame{}, 0, false, nil
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[offset:int64(offset)+payloadLen])

	if masked {
		unmask(payload, maskKey)
	}

	consumed = offset + int(payloadLen)

	return Frame{Opcode: opcode, Final: final, Payload: payload}, consumed, true, nil
}

// EncodeFrameBytes returns one masked client→server frame as a byte
// slice, for callers (such as a push-buffered write queue) that want
// the encoded bytes directly rather than an io.Writer sink.
func EncodeFrameBytes(opcode Opcode, payload []byte) ([]byte, error) {
	var buf []byte
	w := &byteSliceWriter{&buf}
	if err := EncodeFrame(w, opcode, payload); err != nil {
		return nil, err
	}
	return buf, nil
}

type byteSliceWriter struct {
	buf *[]byte
}

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
