package controller

import (
	"strconv"
	"strings"
)

// StopEvent is the structured form of a T/S/W/O reply (spec.md §4.5.5,
// §8 scenario 2).
type StopEvent struct {
	Kind        byte // 'T', 'S', 'W', or 'O'
	Signal      int
	ThreadID    string
	ThreadIndex int // index into the Thread Identifier Table, -1 if unknown
	PC          uint64
	HasPC       bool
	ExitCode    int
	Console     string // populated when the reply was actually an 'O' chunk
}

// ParseStopReply implements spec.md §4.5.5. Console output ('O' chunks)
// does not consume the pending reply slot in the caller's state machine;
// callers should keep reading until a genuine stop/exit reply arrives.
func (c *Controller) ParseStopReply(text string) (StopEvent, bool) {
	if text == "" {
		return StopEvent{}, false
	}
	switch text[0] {
	case 'O':
		return StopEvent{Kind: 'O', Console: decodeHexString(text[1:])}, true
	case 'W':
		code, _ := strconv.ParseInt(text[1:], 16, 32)
		c.enterHalted()
		return StopEvent{Kind: 'W', ExitCode: int(code)}, true
	case 'S':
		if len(text) < 3 {
			return StopEvent{}, false
		}
		sig, err := strconv.ParseInt(text[1:3], 16, 16)
		if err != nil {
			return StopEvent{}, false
		}
		c.enterHalted()
		return StopEvent{Kind: 'S', Signal: int(sig)}, true
	case 'T':
		return c.parseTPacket(text)
	default:
		return StopEvent{}, false
	}
}

func (c *Controller) parseTPacket(text string) (StopEvent, bool) {
	if len(text) < 3 {
		return StopEvent{}, false
	}
	sig, err := strconv.ParseInt(text[1:3], 16, 16)
	if err != nil {
		return StopEvent{}, false
	}
	ev := StopEvent{Kind: 'T', Signal: int(sig), ThreadIndex: -1}

	fields := strings.Split(text[3:], ";")
	pcKey := ""
	if pc, ok := c.model.PCDescriptor(); ok {
		pcKey = pc.Order
	}
	for _, f := range fields {
		if f == "" {
			continue
		}
		kv := strings.SplitN(f, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]
		switch {
		case key == "thread":
			ev.ThreadID = val
			ev.ThreadIndex = c.threadIndex(val)
		case pcKey != "" && hexKeysEqual(key, pcKey):
			pc, err := parseReversedHex(val)
			if err == nil {
				ev.PC = pc
				ev.HasPC = true
			}
		}
	}
	c.enterHalted()
	return ev, true
}

// hexKeysEqual compares two T-packet field keys by numeric value rather
// than string identity, since a stop-reply's register-number key may be
// zero-padded (e.g. "08") while the PC descriptor's Order is not (e.g.
// "8") — the same mismatch looksLikeStopReply (controller.go) avoids by
// searching for pc.Order+":" as a substring.
func hexKeysEqual(a, b string) bool {
	av, aerr := strconv.ParseInt(a, 16, 64)
	bv, berr := strconv.ParseInt(b, 16, 64)
	return aerr == nil && berr == nil && av == bv
}

// threadIndex looks up tid in the Thread Identifier Table, comparing
// numerically so a zero-padded hex thread id from a stop-reply (e.g.
// "00000001") matches the decimal-style ids qfThreadInfo enumerates
// (e.g. "1").
func (c *Controller) threadIndex(tid string) int {
	want, wantErr := strconv.ParseInt(tid, 16, 64)
	for i, t := range c.threads {
		if t == tid {
			return i
		}
		if wantErr == nil {
			if got, err := strconv.ParseInt(t, 0, 64); err == nil && got == want {
				return i
			}
		}
	}
	return -1
}
