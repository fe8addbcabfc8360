package wsframe

import "golang.org/x/xerrors"

// CloseError is surfaced by Assembler.Feed when the peer sends a close
// frame instead of a data frame.
type CloseError struct {
	Code int
}

func (e *CloseError) Error() string {
	return xerrors.Errorf("wsframe: connection closed, code=%d", e.Code).Error()
}

// Message is one reassembled WebSocket message: either a single
// unfragmented frame, or the concatenated payloads of a continuation
// sequence terminated by FIN=1.
type Message struct {
	Opcode Opcode
	Payload []byte
}

// Assembler reassembles a stream of decoded Frames into Messages,
// handling continuation frames and interleaved control frames: control
// frames may appear between the fragments of a data message without
// disturbing the fragment buffer.
// It holds no I/O of its own — the caller feeds it Frames produced by
// TryDecodeFrame and is told what to do in response (nothing, a pong
// reply, or that the message is complete).
type Assembler struct {
	pending Message
	started bool
}

// Outcome describes what Feed produced for one input Frame.
type Outcome struct {
	// Message is set when a complete message was reassembled.
	Message *Message
	// Reply is set when the caller should immediately write this frame
	// back out (a pong in response to a ping).
	Reply *Frame
}

// Feed advances the assembler by one frame.
func (a *Assembler) Feed(frame Frame) (Outcome, error) {
	if frame.Opcode.isControl() {
		switch frame.Opcode {
		case OpcodePing:
			return Outcome{Reply: &Frame{Opcode: OpcodePong, Final: true, Payload: frame.Payload}}, nil
		case OpcodeClose:
			return Outcome{}, &CloseError{Code: CloseCode(frame.Payload)}
		default:
			return Outcome{}, nil
		}
	}

	if !a.started {
		a.pending = Message{Opcode: frame.Opcode}
		a.started = true
	}

	a.pending.Payload = append(a.pending.Payload, frame.Payload...)

	if !frame.Final {
		return Outcome{}, nil
	}

	msg := a.pending
	a.pending = Message{}
	a.started = false

	return Outcome{Message: &msg}, nil
}
