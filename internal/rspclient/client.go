// Package rspclient implements the RSP Client (spec.md §4.3, C3): the
// multi-channel object that owns one Framer+Channel pair per core
// connection, negotiates capabilities, and exposes a synchronous
// send/receive surface the Controller builds commands on top of.
//
// The multi-channel fan-out and "discard pending replies on the quiesced
// channels" discipline are grounded on sockstats/exporter.go's
// per-connection accounting loop (iterate a slice of owned connections,
// tolerate partial failure on any one of them) generalized from
// read-only stats collection to an active command/reply protocol.
package rspclient

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/microsoft/exdi-gdbrsp-core/internal/capability"
	"github.com/microsoft/exdi-gdbrsp-core/internal/config"
	"github.com/microsoft/exdi-gdbrsp-core/internal/framing"
	"github.com/microsoft/exdi-gdbrsp-core/internal/logging"
	"github.com/microsoft/exdi-gdbrsp-core/internal/rsperr"
	"github.com/microsoft/exdi-gdbrsp-core/internal/transport"
)

// chanReader/chanWriter adapt transport.Channel's Recv/Send methods to the
// io.Reader/ByteSink shapes framing.Framer expects.
type chanReader struct{ c *transport.Channel }

func (r chanReader) Read(p []byte) (int, error) { return r.c.Recv(p) }

type chanWriter struct{ c *transport.Channel }

func (w chanWriter) Write(p []byte) (int, error) { return w.c.Send(p) }

type channelState struct {
	addr   string
	tc     *transport.Channel
	framer *framing.Framer
	reader *bufio.Reader
	writer chanWriter
}

// Status is SessionStatus's result, the keep-alive health spec.md §4.3
// defines for one channel.
type Status int

const (
	StatusOK Status = iota
	StatusConnectionLost
	StatusIOError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusConnectionLost:
		return "connection_lost"
	default:
		return "io_error"
	}
}

// Client is one session's worth of RSP channels. Safe for concurrent use;
// a single mutex serializes access since RSP itself is a half-duplex,
// one-outstanding-command-per-channel protocol (spec.md §5).
type Client struct {
	cfg      config.Snapshot
	channels []*channelState
	caps     *capability.Table
	log      *logging.Logger

	mu            sync.Mutex
	activeChannel int
}

// New constructs an unconnected Client from a Configuration Snapshot.
func New(cfg config.Snapshot, log *logging.Logger) *Client {
	if log == nil {
		log = logging.Default()
	}
	return &Client{cfg: cfg, caps: capability.New(), log: log}
}

// Capabilities exposes the negotiated Capability & Feature Table.
func (c *Client) Capabilities() *capability.Table { return c.caps }

// ChannelCount returns the number of connected channels.
func (c *Client) ChannelCount() int { return len(c.channels) }

// Connect dials every core connection named in the snapshot, in order;
// channel 0 becomes the initially active channel (spec.md §4.1).
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, addr := range c.cfg.CoreConnections {
		tc := transport.New(i, c.cfg.SendTimeout, c.cfg.ReceiveTimeout)
		if err := tc.Connect(ctx, addr, c.cfg.ConnectAttempts); err != nil {
			return err
		}
		fr := framing.New(i, c.cfg.MaxPacketLength, 3)
		cs := &channelState{
			addr:   addr,
			tc:     tc,
			framer: fr,
			reader: bufio.NewReader(chanReader{tc}),
			writer: chanWriter{tc},
		}
		c.channels = append(c.channels, cs)
	}
	c.activeChannel = 0
	return nil
}

// PacketLen returns the channel's currently negotiated packet length, the
// authoritative value the Controller's chunked transfers size requests
// against (spec.md §4.5.2).
func (c *Client) PacketLen(channel int) int {
	cs, err := c.channel(channel)
	if err != nil {
		return 0
	}
	return cs.framer.MaxPacketLen()
}

// Close tears down every channel.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, cs := range c.channels {
		if err := cs.tc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) channel(idx int) (*channelState, error) {
	if idx < 0 || idx >= len(c.channels) {
		return nil, rsperr.New("rspclient.channel", rsperr.KindInvalidArgument, nil)
	}
	return c.channels[idx], nil
}

// Command sends payload on channel idx and returns the decoded reply
// payload as a string, handling the ACK handshake and checksum retries
// internally (spec.md §4.2/§4.3). exempt marks fire-and-forget commands
// (e.g. `H`) that do not expect a reply even outside No-Ack mode — rare
// in RSP, but kept for parity with the Framer's SendCommand signature.
func (c *Client) Command(channel int, payload string, exempt bool) (string, error) {
	cs, err := c.channel(channel)
	if err != nil {
		return "", err
	}
	if c.cfg.DisplayCommPackets {
		c.log.WithChannel(channel).Debug("send", logging.F("payload", payload))
	}
	// The ACK byte SendCommand waits for is bounded by
	// framing.WaitAckTimeout rather than the channel's general receive
	// timeout, which is sized for a full reply frame and would make a
	// dropped ACK wait far longer than necessary before retrying.
	prevTimeout := cs.tc.SetReadTimeout(framing.WaitAckTimeout)
	err = cs.framer.SendCommand(cs.writer, cs.reader, []byte(payload), exempt)
	cs.tc.SetReadTimeout(prevTimeout)
	if err != nil {
		return "", err
	}
	if exempt {
		return "", nil
	}
	reply, err := cs.framer.ReceiveFrame(cs.reader, cs.writer)
	if err != nil {
		return "", err
	}
	if c.cfg.DisplayCommPackets {
		c.log.WithChannel(channel).Debug("recv", logging.F("payload", string(reply)))
	}
	return string(reply), nil
}

// Receive reads one further frame on channel idx without sending anything
// first, used for multi-packet replies such as a monitor command's
// sequence of `O<hex>` console chunks terminated by `OK` (spec.md §4.5.6).
func (c *Client) Receive(channel int) (string, error) {
	cs, err := c.channel(channel)
	if err != nil {
		return "", err
	}
	reply, err := cs.framer.ReceiveFrame(cs.reader, cs.writer)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

// Interrupt sends the bare interrupt byte on one channel, or on every
// channel when scope is negative (spec.md §4.3 "Interrupt scope").
func (c *Client) Interrupt(scope int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if scope >= 0 {
		cs, err := c.channel(scope)
		if err != nil {
			return err
		}
		return cs.framer.SendInterrupt(cs.writer)
	}
	var g errgroup.Group
	for _, cs := range c.channels {
		cs := cs
		g.Go(func() error { return cs.framer.SendInterrupt(cs.writer) })
	}
	return g.Wait()
}

// QuiesceOthers drains (discards) any reply pending on every channel
// other than keep, tolerating per-channel failure — used after an
// Interrupt broadcast lands on channels that were mid-reply (spec.md §4.3
// "non-active channels' stale replies are discarded, not propagated"). The
// per-channel poll-then-drain is fanned out with errgroup so one slow
// channel's 50ms poll doesn't serialize behind the others.
func (c *Client) QuiesceOthers(keep int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var g errgroup.Group
	for i, cs := range c.channels {
		if i == keep {
			continue
		}
		cs := cs
		g.Go(func() error {
			state, err := cs.tc.Ready(50 * time.Millisecond)
			if err != nil || state != transport.ReadyReadable {
				return nil
			}
			_, _ = cs.framer.ReceiveFrame(cs.reader, cs.writer)
			return nil
		})
	}
	_ = g.Wait()
}

// SetCancelFunc installs (or, with nil, clears) the cancellation predicate
// channel's Framer checks before each send attempt and before scanning for
// each inbound frame (spec.md §5 "Cancellation"). A receive already blocked
// in a read is not interrupted by it; it returns when a frame arrives or
// the read times out.
func (c *Client) SetCancelFunc(channel int, fn func() bool) {
	cs, err := c.channel(channel)
	if err != nil {
		return
	}
	cs.framer.SetCancelFunc(fn)
}

// SessionStatus reports the Byte Stream's health for channel without
// consuming any pending reply data (spec.md §4.3 "Keep-alive"): not
// readable means ok (nothing pending, stream is quiet); readable but a
// one-byte peek comes back empty or errors (the peer closed or reset the
// connection) means connection_lost; a failure polling readiness itself
// is io_error.
func (c *Client) SessionStatus(channel int) (Status, error) {
	cs, err := c.channel(channel)
	if err != nil {
		return StatusIOError, err
	}
	state, err := cs.tc.Ready(50 * time.Millisecond)
	if err != nil {
		return StatusIOError, err
	}
	if state != transport.ReadyReadable {
		return StatusOK, nil
	}
	n, err := cs.tc.Peek(make([]byte, 1))
	if err != nil || n == 0 {
		return StatusConnectionLost, nil
	}
	return StatusOK, nil
}

// ActiveChannel returns the index of the last channel a command targeted,
// the "last known active core" spec.md §4.3 names.
func (c *Client) ActiveChannel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeChannel
}

// SetActiveChannel records a new active channel after a successful
// command round.
func (c *Client) SetActiveChannel(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeChannel = idx
}

// Negotiate performs the capability handshake (spec.md §4.3 steps 1-5):
// optional agent-name packet, qSupported, QStartNoAckMode, and applying
// any configuration overrides on top of what the server advertised.
func (c *Client) Negotiate(channel int) error {
	if c.cfg.AgentNamePacket != "" {
		if _, err := c.Command(channel, c.cfg.AgentNamePacket, false); err != nil {
			return err
		}
	}
	qPacket := c.cfg.QSupportedPacket
	if qPacket == "" {
		qPacket = "qSupported"
	}
	reply, err := c.Command(channel, qPacket, false)
	if err != nil {
		return err
	}
	c.caps.UpdateFromQSupported(reply)

	if c.caps.Value(capability.FeaturePacketSize) > 0 {
		cs, _ := c.channel(channel)
		cs.framer.SetMaxPacketLen(int(c.caps.Value(capability.FeaturePacketSize)))
	}

	wantNoAck := c.caps.IsEnabled(capability.FeatureQStartNoAckMode) || c.cfg.NoAckEnabledByConfig
	if wantNoAck {
		reply, err := c.Command(channel, "QStartNoAckMode", false)
		if err != nil {
			return err
		}
		if reply == "OK" {
			cs, _ := c.channel(channel)
			cs.framer.SetNoAckMode(true)
			c.caps.Override(capability.FeatureQStartNoAckMode, true)
		}
	}
	return nil
}

// XferRead performs the chunked `qXfer:<object>:read:<annex>:<offset>,<len>`
// request/reply loop and reassembles the document from the `m`/`l` reply
// prefixes (spec.md §4.4/§4.6: "a document split across an arbitrary
// number of m/l packets reassembles to the same document" regardless of
// how the server chooses to chunk it). Used for both
// qXfer:features:read and qXfer:memory-map:read.
func (c *Client) XferRead(channel int, object, annex string) (string, error) {
	cs, err := c.channel(channel)
	if err != nil {
		return "", err
	}
	chunkLen := cs.framer.MaxPacketLen() - 32
	if chunkLen < 64 {
		chunkLen = 64
	}
	var doc strings.Builder
	offset := 0
	for {
		req := fmt.Sprintf("qXfer:%s:read:%s:%x,%x", object, annex, offset, chunkLen)
		reply, err := c.Command(channel, req, false)
		if err != nil {
			return "", err
		}
		if reply == "" {
			return "", rsperr.NewOnChannel("rspclient.XferRead", channel, rsperr.KindProtocol, nil)
		}
		marker, body := reply[0], reply[1:]
		doc.WriteString(body)
		switch marker {
		case 'l':
			return doc.String(), nil
		case 'm':
			offset += len(body)
			continue
		default:
			return "", rsperr.NewOnChannel("rspclient.XferRead", channel, rsperr.KindProtocol, nil)
		}
	}
}
