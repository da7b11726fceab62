package controller

import (
	"fmt"

	"github.com/microsoft/exdi-gdbrsp-core/internal/rsperr"
)

// MemoryClass selects the command verb family used to address memory,
// per spec.md §4.5.2's "address-class variants (physical, supervisor,
// hypervisor, special-register)".
type MemoryClass int

const (
	MemoryClassDefault MemoryClass = iota
	MemoryClassPhysical
	MemoryClassSupervisor
	MemoryClassHypervisor
	MemoryClassSpecialRegister
	MemoryClassTrace32
)

// ReadMemory returns up to size bytes starting at address, chunked to the
// negotiated packet length (spec.md §4.5.2). Partial results are
// returned without error unless nothing at all was read and
// throw_on_memory_error is configured.
func (c *Controller) ReadMemory(channel int, class MemoryClass, address uint64, size int) ([]byte, error) {
	packetLen := c.negotiatedPacketLen()
	maxRequest := (packetLen - 4) / 2
	if maxRequest < 1 {
		maxRequest = 1
	}

	out := make([]byte, 0, size)
	remaining := size
	for remaining > 0 {
		request := remaining
		if request > maxRequest {
			request = maxRequest
		}
		cmd := c.memoryReadCommand(class, address, request)
		reply, err := c.client.Command(channel, cmd, false)
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			if c.cfg.ThrowOnMemoryError {
				return nil, err
			}
			return out, nil
		}
		rep := Classify(reply, c.model)
		if rep.Kind == ReplyErrorCode || rep.Kind == ReplyEmpty {
			if len(out) == 0 && c.cfg.ThrowOnMemoryError {
				return nil, rsperr.NewOnChannel("controller.ReadMemory", channel, rsperr.KindServerError, nil)
			}
			break
		}
		chunk := decodeHexString(reply)
		if chunk == "" && reply != "" {
			break
		}
		n := len(chunk)
		out = append(out, []byte(chunk)...)
		if n == 0 {
			break
		}
		address += uint64(n)
		remaining -= n
	}
	return out, nil
}

// WriteMemory writes data at address, split into packets bounded by the
// negotiated packet length, stopping on the first error (spec.md §4.5.3).
func (c *Controller) WriteMemory(channel int, class MemoryClass, address uint64, data []byte) (int, error) {
	packetLen := c.negotiatedPacketLen()
	maxChunk := (packetLen - 16) / 2
	if maxChunk < 1 {
		maxChunk = 1
	}

	written := 0
	for written < len(data) {
		end := written + maxChunk
		if end > len(data) {
			end = len(data)
		}
		chunk := data[written:end]
		cmd := c.memoryWriteCommand(class, address, chunk)
		reply, err := c.client.Command(channel, cmd, false)
		if err != nil {
			return written, err
		}
		rep := Classify(reply, c.model)
		if rep.Kind == ReplyErrorCode {
			if c.cfg.ThrowOnMemoryError {
				return written, rsperr.NewOnChannel("controller.WriteMemory", channel, rsperr.KindServerError, nil)
			}
			return written, nil
		}
		written += len(chunk)
		address += uint64(len(chunk))
	}
	return written, nil
}

func (c *Controller) negotiatedPacketLen() int {
	p := c.client.PacketLen(0)
	if p < 4 {
		p = 4
	}
	return p
}

func (c *Controller) memoryReadCommand(class MemoryClass, address uint64, length int) string {
	switch class {
	case MemoryClassTrace32:
		return fmt.Sprintf("qtrace32.memory:%x,%x", address, length)
	case MemoryClassSpecialRegister:
		return fmt.Sprintf("aarch64 mrs nsec %x", address)
	default:
		return fmt.Sprintf("m%x,%x", address, length)
	}
}

func (c *Controller) memoryWriteCommand(class MemoryClass, address uint64, data []byte) string {
	hex := encodeHexString(string(data))
	switch class {
	case MemoryClassTrace32:
		return fmt.Sprintf("Qtrace32.memory:%x,%x,%s", address, len(data), hex)
	default:
		return fmt.Sprintf("M%x,%x:%s", address, len(data), hex)
	}
}
