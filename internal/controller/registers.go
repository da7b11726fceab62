package controller

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/microsoft/exdi-gdbrsp-core/internal/rsperr"
)

// reverseHexPairs flips target byte order to host byte order (and back) for
// a hex-encoded register slice (spec.md §4.5.4).
func reverseHexPairs(hex string) string {
	b := []byte(decodeHexString(hex))
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return encodeHexString(string(b))
}

// ReadAllRegisters issues `g` and slices the concatenated hex dump by the
// core group's descriptor sizes, byte-reversing each slice (spec.md
// §4.5.4). Returns a map keyed by register name.
func (c *Controller) ReadAllRegisters(channel int, threadID string) (map[string]uint64, error) {
	if err := c.selectThread(channel, 'g', threadID); err != nil {
		return nil, err
	}
	reply, err := c.client.Command(channel, "g", false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(c.model.CoreGroup))
	offsetHexChars := 0
	for _, d := range c.model.CoreGroup {
		nchars := d.SizeBytes * 2
		if offsetHexChars+nchars > len(reply) {
			break
		}
		slice := reply[offsetHexChars : offsetHexChars+nchars]
		val, err := parseReversedHex(slice)
		if err != nil {
			return out, err
		}
		out[d.Name] = val
		offsetHexChars += nchars
	}
	return out, nil
}

// WriteAllRegisters issues `G<hex>` built from vals in core-group order,
// filling any register absent from vals with zero.
func (c *Controller) WriteAllRegisters(channel int, threadID string, vals map[string]uint64) error {
	if err := c.selectThread(channel, 'g', threadID); err != nil {
		return err
	}
	var buf strings.Builder
	for _, d := range c.model.CoreGroup {
		v := vals[d.Name]
		buf.WriteString(toReversedHex(v, d.SizeBytes))
	}
	reply, err := c.client.Command(channel, "G"+buf.String(), false)
	if err != nil {
		return err
	}
	if Classify(reply, c.model).Kind == ReplyErrorCode {
		return rsperr.NewOnChannel("controller.WriteAllRegisters", channel, rsperr.KindServerError, nil)
	}
	return nil
}

// ReadRegister reads one register by name using `p<order>` when the
// target description is available, falling back to a monitor command for
// servers (e.g. OpenOCD) that only expose system registers that way
// (spec.md §4.5.4).
func (c *Controller) ReadRegister(channel int, threadID, name string) (uint64, error) {
	if err := c.selectThread(channel, 'g', threadID); err != nil {
		return 0, err
	}
	if d, ok := c.model.ByOrder(name); ok {
		name = d.Order
	}
	if order, ok := c.orderForName(name); ok {
		reply, err := c.client.Command(channel, "p"+order, false)
		if err == nil && Classify(reply, c.model).Kind != ReplyErrorCode && reply != "" {
			return parseReversedHex(reply)
		}
	}
	if code, ok := c.model.AccessCodeForName(name); ok {
		return c.readSystemRegisterByAccessCode(channel, code)
	}
	return 0, rsperr.NewOnChannel("controller.ReadRegister", channel, rsperr.KindUnsupported, nil)
}

// WriteRegister writes one register by name, mirroring ReadRegister's
// dispatch.
func (c *Controller) WriteRegister(channel int, threadID, name string, value uint64) error {
	if err := c.selectThread(channel, 'g', threadID); err != nil {
		return err
	}
	if order, ok := c.orderForName(name); ok {
		size := 8
		if d, ok := c.model.ByOrder(order); ok {
			size = d.SizeBytes
		}
		reply, err := c.client.Command(channel, fmt.Sprintf("P%s=%s", order, toReversedHex(value, size)), false)
		if err != nil {
			return err
		}
		if Classify(reply, c.model).Kind == ReplyErrorCode {
			return rsperr.NewOnChannel("controller.WriteRegister", channel, rsperr.KindServerError, nil)
		}
		return nil
	}
	return rsperr.NewOnChannel("controller.WriteRegister", channel, rsperr.KindUnsupported, nil)
}

func (c *Controller) orderForName(name string) (string, bool) {
	if d, ok := c.model.ByOrder(name); ok {
		return d.Order, true
	}
	for _, d := range c.model.CoreGroup {
		if d.Name == name {
			return d.Order, true
		}
	}
	return "", false
}

// readSystemRegisterByAccessCode reads a system register addressed by its
// encoded access code via the ARM64 `aarch64 mrs nsec` monitor-verb
// family (spec.md §4.5.2/§4.5.4's Trace32/special-register variants).
func (c *Controller) readSystemRegisterByAccessCode(channel int, code uint32) (uint64, error) {
	reply, err := c.client.Command(channel, fmt.Sprintf("aarch64 mrs nsec %x", code), false)
	if err != nil {
		return 0, err
	}
	return parseReversedHex(reply)
}

func parseReversedHex(hex string) (uint64, error) {
	raw := reverseHexPairs(hex)
	v, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, rsperr.New("controller.parseReversedHex", rsperr.KindProtocol, err)
	}
	return v, nil
}

func toReversedHex(v uint64, sizeBytes int) string {
	b := make([]byte, sizeBytes)
	for i := 0; i < sizeBytes; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return encodeHexString(string(b))
}

// BreakpointKind is the `Z`/`z` kind field (spec.md §6 vendor packet list
// and the supplemented breakpoint feature it implies).
type BreakpointKind int

const (
	BreakpointSoftware BreakpointKind = iota
	BreakpointHardware
	BreakpointWriteWatch
	BreakpointReadWatch
	BreakpointAccessWatch
)

// SetBreakpoint issues `Z<kind>,<addr>,<size>`, remapping software
// breakpoints to hardware ones when treat_sw_bp_as_hw_bp is configured
// (spec.md §6 "Breakpoint and memory-class defaults").
func (c *Controller) SetBreakpoint(channel int, kind BreakpointKind, address uint64, size int) error {
	if kind == BreakpointSoftware && c.treatSWAsHW {
		kind = BreakpointHardware
	}
	reply, err := c.client.Command(channel, fmt.Sprintf("Z%d,%x,%x", kind, address, size), false)
	if err != nil {
		return err
	}
	if Classify(reply, c.model).Kind == ReplyErrorCode {
		return rsperr.NewOnChannel("controller.SetBreakpoint", channel, rsperr.KindServerError, nil)
	}
	return nil
}

// ClearBreakpoint issues `z<kind>,<addr>,<size>`, with the same
// software-as-hardware remapping SetBreakpoint applies.
func (c *Controller) ClearBreakpoint(channel int, kind BreakpointKind, address uint64, size int) error {
	if kind == BreakpointSoftware && c.treatSWAsHW {
		kind = BreakpointHardware
	}
	reply, err := c.client.Command(channel, fmt.Sprintf("z%d,%x,%x", kind, address, size), false)
	if err != nil {
		return err
	}
	if Classify(reply, c.model).Kind == ReplyErrorCode {
		return rsperr.NewOnChannel("controller.ClearBreakpoint", channel, rsperr.KindServerError, nil)
	}
	return nil
}

// RefreshThreads enumerates the target's threads via `qfThreadInfo`/
// `qsThreadInfo` and rebuilds the Thread Identifier Table (spec.md §8
// scenario 4).
func (c *Controller) RefreshThreads(channel int) error {
	reply, err := c.client.Command(channel, "qfThreadInfo", false)
	if err != nil {
		return err
	}
	var ids []string
	for {
		if !strings.HasPrefix(reply, "m") {
			break
		}
		ids = append(ids, strings.Split(reply[1:], ",")...)
		reply, err = c.client.Command(channel, "qsThreadInfo", false)
		if err != nil {
			return err
		}
		if reply == "l" {
			break
		}
	}
	c.threads = ids
	return nil
}

// ThreadAlive issues `T<tid>` (the GDB "is thread alive" query) to probe a
// specific thread and reports whether the reply is "OK".
func (c *Controller) ThreadAlive(channel int, tid string) (bool, error) {
	reply, err := c.client.Command(channel, "T"+tid, false)
	if err != nil {
		return false, err
	}
	return reply == "OK", nil
}

// CurrentThread issues `qC` and returns the thread ID the server reports.
func (c *Controller) CurrentThread(channel int) (string, error) {
	reply, err := c.client.Command(channel, "qC", false)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(reply, "QC"), nil
}

// TIBAddress issues `qGetTIBAddr:<tid>` (Windows-target extension) and
// returns the decoded address.
func (c *Controller) TIBAddress(channel int, tid string) (uint64, error) {
	reply, err := c.client.Command(channel, "qGetTIBAddr:"+tid, false)
	if err != nil {
		return 0, err
	}
	if Classify(reply, c.model).Kind == ReplyErrorCode {
		return 0, rsperr.NewOnChannel("controller.TIBAddress", channel, rsperr.KindUnsupported, nil)
	}
	return strconv.ParseUint(reply, 16, 64)
}

// MemoryMap fetches the target's `qXfer:memory-map:read` document,
// reusing the same chunked m/l reassembly target-description fetch uses.
func (c *Controller) MemoryMap(channel int) (string, error) {
	return c.client.XferRead(channel, "memory-map", "")
}
