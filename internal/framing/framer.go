// Package framing implements the RSP Framer (spec.md §4.2, C2): turning a
// payload into a wire frame and back, including the escape/checksum
// algorithm and the ACK/NAK handshake. The checksum and escape rules are
// grounded directly on aykevl-emculator/gdb-rsp.go's gdbPacketChecksum/
// gdbSendPacket/gdbRecvPacket (the GDB-server side of the same wire
// format), generalized here to also perform the `{`-escape aykevl's
// teacher left as a "TODO: escaping" and to support No-Ack mode.
package framing

import (
	"bytes"
	"io"
	"time"

	"github.com/microsoft/exdi-gdbrsp-core/internal/rsperr"
)

const (
	frameStart = '$'
	frameEnd   = '#'
	escapeByte = '{'
	ackByte    = '+'
	nakByte    = '-'

	// InterruptByte is the bare Ctrl-C byte sent with no frame and no ack
	// (spec.md §4.2 "Interrupt packet").
	InterruptByte = 0x03
)

// ByteSource is the minimal interface the Framer needs to pull bytes off
// the wire one at a time. The Framer checks its cancellation predicate
// before each frame it sends or scans for, not between individual reads.
type ByteSource interface {
	ReadByte() (byte, error)
}

// ByteSink writes raw bytes to the wire (a single ack/nak byte, or a full
// frame).
type ByteSink interface {
	Write([]byte) (int, error)
}

// Framer holds the per-channel framing state: No-Ack mode, the negotiated
// packet length, the retry budget and the cancellation predicate. It keeps
// no receive buffer of its own; it reads through the ByteSource it is given.
type Framer struct {
	Channel int

	noAckMode    bool
	maxPacketLen int

	maxRetries int

	cancelled func() bool // checked before each send attempt and frame scan; nil means never cancelled

	// pendingFrameStart is set when SendCommand observes the server begin
	// its reply with '$' instead of acking (spec.md §4.2: "treat as
	// success and keep reading the reply"); the next ReceiveFrame call
	// then skips the usual scan-for-'$' step since it was already
	// consumed here.
	pendingFrameStart bool
}

// New creates a Framer for one channel with the given maximum packet
// length (clamped to at least 4 per spec.md §4.5.2) and retry budget.
func New(channel, maxPacketLen, maxRetries int) *Framer {
	if maxPacketLen < 4 {
		maxPacketLen = 4
	}
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &Framer{Channel: channel, maxPacketLen: maxPacketLen, maxRetries: maxRetries}
}

// SetNoAckMode flips the framer into/out of No-Ack mode, called by the
// Client once QStartNoAckMode is acknowledged (spec.md §4.3 step 3).
func (f *Framer) SetNoAckMode(enabled bool) { f.noAckMode = enabled }

// NoAckMode reports whether No-Ack mode is active.
func (f *Framer) NoAckMode() bool { return f.noAckMode }

// SetMaxPacketLen updates the negotiated packet length (spec.md §3: the
// initial length is capped by the qSupported reply).
func (f *Framer) SetMaxPacketLen(n int) {
	if n < 4 {
		n = 4
	}
	f.maxPacketLen = n
}

// MaxPacketLen returns the current negotiated packet length.
func (f *Framer) MaxPacketLen() int { return f.maxPacketLen }

// SetCancelFunc installs the cancellation predicate the Framer checks
// before each send attempt and before scanning for each inbound frame
// (spec.md §5 "Cancellation"). A read that is already blocked is not
// interrupted by it.
func (f *Framer) SetCancelFunc(fn func() bool) { f.cancelled = fn }

// Checksum computes the unsigned 8-bit sum of msg modulo 256, as defined
// by spec.md §3 and aykevl-emculator/gdb-rsp.go's gdbPacketChecksum.
func Checksum(msg []byte) byte {
	var sum byte
	for _, b := range msg {
		sum += b
	}
	return sum
}

// Escape escapes `$`, `#`, `{` as `{` followed by (byte ^ 0x20), per
// spec.md §3/§4.2.
func Escape(payload []byte) []byte {
	out := make([]byte, 0, len(payload))
	for _, b := range payload {
		switch b {
		case '$', '#', escapeByte:
			out = append(out, escapeByte, b^0x20)
		default:
			out = append(out, b)
		}
	}
	return out
}

// Unescape reverses Escape and expands RLE (`*`) runs: a byte followed by
// `*` and a repeat-count byte (count = repeatByte - 29, valid for 4..97
// repetitions per spec.md §3) is expanded by appending count further
// copies of that byte.
func Unescape(payload []byte) []byte {
	out := make([]byte, 0, len(payload))
	for i := 0; i < len(payload); i++ {
		b := payload[i]
		switch {
		case b == escapeByte && i+1 < len(payload):
			i++
			out = append(out, payload[i]^0x20)
		case b == '*' && i+1 < len(payload) && len(out) > 0:
			i++
			count := int(payload[i]) - 29
			if count < 0 {
				count = 0
			}
			last := out[len(out)-1]
			for n := 0; n < count; n++ {
				out = append(out, last)
			}
		default:
			out = append(out, b)
		}
	}
	return out
}

// EncodeFrame builds the wire form `$<escaped-payload>#<checksum>` of
// payload (unescaped).
func EncodeFrame(payload []byte) []byte {
	escaped := Escape(payload)
	sum := Checksum(escaped)
	buf := bytes.NewBuffer(make([]byte, 0, len(escaped)+6))
	buf.WriteByte(frameStart)
	buf.Write(escaped)
	buf.WriteByte(frameEnd)
	buf.WriteString(hexByte(sum))
	return buf.Bytes()
}

var hexDigits = "0123456789abcdef"

func hexByte(b byte) string {
	return string([]byte{hexDigits[b>>4], hexDigits[b&0xf]})
}

// SendCommand writes a fully framed command to sink and, unless No-Ack
// mode is active, waits for a single ACK byte on src, resending up to
// maxRetries times on NAK or on a timed-out ACK wait (spec.md §4.2
// "Outbound algorithm"). In No-Ack mode it returns as soon as the frame is
// written, whatever the value of exempt.
func (f *Framer) SendCommand(sink ByteSink, src ByteSource, payload []byte, exempt bool) error {
	frame := EncodeFrame(payload)
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if f.cancelled != nil && f.cancelled() {
			return rsperr.NewOnChannel("framing.SendCommand", f.Channel, rsperr.KindCancelled, nil)
		}
		if _, err := sink.Write(frame); err != nil {
			return rsperr.NewOnChannel("framing.SendCommand", f.Channel, rsperr.KindIO, err)
		}
		if f.noAckMode && exempt {
			return nil
		}
		if f.noAckMode {
			return nil
		}
		ack, err := src.ReadByte()
		if err != nil {
			if rsperr.Of(err, rsperr.KindTimeout) {
				continue // no ACK within the wait: resend
			}
			return rsperr.NewOnChannel("framing.SendCommand", f.Channel, rsperr.KindIO, err)
		}
		switch ack {
		case ackByte:
			return nil
		case nakByte:
			continue // resend
		case frameStart:
			// Server started replying without acking; we've already
			// consumed its leading '$', so remember that for the next
			// ReceiveFrame call instead of re-scanning for one.
			f.pendingFrameStart = true
			return nil
		default:
			return rsperr.NewOnChannel("framing.SendCommand", f.Channel, rsperr.KindProtocol, nil)
		}
	}
	return rsperr.NewOnChannel("framing.SendCommand", f.Channel, rsperr.KindProtocol, io.ErrUnexpectedEOF)
}

// SendInterrupt writes the bare interrupt byte with no frame and no ack
// wait (spec.md §4.2 "Interrupt packet").
func (f *Framer) SendInterrupt(sink ByteSink) error {
	_, err := sink.Write([]byte{InterruptByte})
	if err != nil {
		return rsperr.NewOnChannel("framing.SendInterrupt", f.Channel, rsperr.KindIO, err)
	}
	return nil
}

// ReceiveFrame reads one frame from src: skip to '$', accumulate to '#',
// validate the two-hex-digit checksum, and ack/nak accordingly (spec.md
// §4.2 "Inbound algorithm"). Returns the unescaped, RLE-expanded payload.
func (f *Framer) ReceiveFrame(src ByteSource, sink ByteSink) ([]byte, error) {
	for {
		if f.cancelled != nil && f.cancelled() {
			return nil, rsperr.NewOnChannel("framing.ReceiveFrame", f.Channel, rsperr.KindCancelled, nil)
		}
		if err := f.skipToFrameStart(src); err != nil {
			return nil, err
		}
		payload, checksum, err := f.readPayloadAndChecksum(src)
		if err != nil {
			return nil, err
		}
		if Checksum(payload) != checksum {
			if !f.noAckMode {
				_, _ = sink.Write([]byte{nakByte})
			}
			continue
		}
		if !f.noAckMode {
			_, _ = sink.Write([]byte{ackByte})
		}
		return Unescape(payload), nil
	}
}

func (f *Framer) skipToFrameStart(src ByteSource) error {
	if f.pendingFrameStart {
		f.pendingFrameStart = false
		return nil
	}
	for {
		b, err := src.ReadByte()
		if err != nil {
			return rsperr.NewOnChannel("framing.ReceiveFrame", f.Channel, rsperr.KindIO, err)
		}
		if b == frameStart {
			return nil
		}
	}
}

func (f *Framer) readPayloadAndChecksum(src ByteSource) ([]byte, byte, error) {
	payload := make([]byte, 0, 64)
	for {
		b, err := src.ReadByte()
		if err != nil {
			return nil, 0, rsperr.NewOnChannel("framing.ReceiveFrame", f.Channel, rsperr.KindIO, err)
		}
		if b == frameEnd {
			break
		}
		payload = append(payload, b)
	}
	c1, err := src.ReadByte()
	if err != nil {
		return nil, 0, rsperr.NewOnChannel("framing.ReceiveFrame", f.Channel, rsperr.KindIO, err)
	}
	c2, err := src.ReadByte()
	if err != nil {
		return nil, 0, rsperr.NewOnChannel("framing.ReceiveFrame", f.Channel, rsperr.KindIO, err)
	}
	checksum, ok := decodeHexByte(c1, c2)
	if !ok {
		return nil, 0, rsperr.NewOnChannel("framing.ReceiveFrame", f.Channel, rsperr.KindProtocol, nil)
	}
	return payload, checksum, nil
}

func decodeHexByte(hi, lo byte) (byte, bool) {
	h, ok1 := decodeHexDigit(hi)
	l, ok2 := decodeHexDigit(lo)
	if !ok1 || !ok2 {
		return 0, false
	}
	return h<<4 | l, true
}

func decodeHexDigit(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	default:
		return 0, false
	}
}

// Reset is a no-op placeholder for flushing the per-channel receive
// buffer (spec.md §4.2: "flushed when the framer is asked to reset").
// The current implementation reads directly from the ByteSource it is
// handed (the per-channel bufio.Reader kept by the RSP Client) rather than buffering
// independently, so there is nothing to discard; Reset exists so callers
// have a stable point to invoke before a new command round regardless of
// a future buffering strategy.
func (f *Framer) Reset() {}

// RetryBudget returns the configured maximum ACK-wait retry count.
func (f *Framer) RetryBudget() int { return f.maxRetries }

// WaitAckTimeout is the duration SendCommand's ReadByte call should be
// bounded by; enforced by the caller's transport.Channel read deadline,
// not by the Framer itself (the Framer has no notion of wall-clock time).
const WaitAckTimeout = 2 * time.Second
