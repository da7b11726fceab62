// Package controller implements the Controller (spec.md §4.5, C5): command
// execution and classification, the session state machine, and the
// pseudo-command dispatcher (telemetry probe, "info registers system",
// SetPAMemoryMode). The chunked memory transfers, register-access
// families, and stop-reply parsing live in sibling files within this
// package.
//
// The state-machine shape and the "classify then dispatch" structure are
// grounded on go-ublk/internal/queue's request lifecycle (accept, run,
// classify outcome, reply) generalized from a block-device command queue
// to an RSP command/reply cycle.
package controller

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/microsoft/exdi-gdbrsp-core/internal/async"
	"github.com/microsoft/exdi-gdbrsp-core/internal/capability"
	"github.com/microsoft/exdi-gdbrsp-core/internal/config"
	"github.com/microsoft/exdi-gdbrsp-core/internal/logging"
	"github.com/microsoft/exdi-gdbrsp-core/internal/regmodel"
	"github.com/microsoft/exdi-gdbrsp-core/internal/rsperr"
	"github.com/microsoft/exdi-gdbrsp-core/internal/rspclient"
)

// State is the session state machine spec.md §4.5.7 defines.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateNegotiated
	StateRunning
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateNegotiated:
		return "negotiated"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// ReplyKind is classify's tagged-variant result (spec.md §9: "use tagged
// variants, not inheritance, for the Reply classification").
type ReplyKind int

const (
	ReplyRaw ReplyKind = iota
	ReplyOK
	ReplyErrorCode
	ReplyStopReply
	ReplyConsoleOutput
	ReplyProcessExit
	ReplyEmpty
)

// Reply is the classified form of one command's response text.
type Reply struct {
	Kind    ReplyKind
	Text    string
	Code    int // ErrorCode/ProcessExit numeric payload
	Console string
}

// Controller owns an rspclient.Client and the session-level caches
// (register model, thread table, session flags) layered on top of it.
type Controller struct {
	cfg    config.Snapshot
	client *rspclient.Client
	model  *regmodel.Model
	log    *logging.Logger

	state State

	threads      []string // Thread Identifier Table, index = logical core
	paMemoryMode bool
	lastError    error
	treatSWAsHW  bool

	executor *controllerExecutor
	orch     *async.Orchestrator
}

// New builds a Controller bound to an already-constructed Client.
func New(cfg config.Snapshot, client *rspclient.Client, log *logging.Logger) *Controller {
	if log == nil {
		log = logging.Default()
	}
	ctl := &Controller{
		cfg:         cfg,
		client:      client,
		model:       regmodel.LoadFromSnapshot(cfg),
		log:         log,
		state:       StateDisconnected,
		treatSWAsHW: cfg.TreatSWBreakpointAsHW,
	}
	ctl.executor = &controllerExecutor{ctl: ctl}
	ctl.orch = async.New(ctl.executor)
	return ctl
}

// Model exposes the Register Model for callers that need descriptors
// directly (e.g. a façade rendering a register dump).
func (c *Controller) Model() *regmodel.Model { return c.model }

// State returns the current session state.
func (c *Controller) State() State { return c.state }

// Connect dials every channel and transitions Disconnected → Connecting.
func (c *Controller) Connect(ctx context.Context) error {
	c.state = StateConnecting
	if err := c.client.Connect(ctx); err != nil {
		c.state = StateDisconnected
		return err
	}
	return nil
}

// Negotiate performs capability negotiation on channel 0 (or every
// channel, when multi-core sessions are configured) and, on success,
// fetches and applies the target description if configured. Transitions
// Connecting → Negotiated, then immediately → Halted (spec.md §4.5.7:
// "Halted is entered on startup").
func (c *Controller) Negotiate() error {
	channels := 1
	if c.cfg.MultiCoreSessions {
		channels = c.client.ChannelCount()
	}
	for ch := 0; ch < channels; ch++ {
		if err := c.client.Negotiate(ch); err != nil {
			return err
		}
	}
	if c.cfg.TargetDescriptionFile != "" {
		if err := c.fetchTargetDescription(c.cfg.TargetDescriptionFile); err != nil {
			return err
		}
	}
	c.state = StateNegotiated
	c.state = StateHalted
	return nil
}

func (c *Controller) fetchTargetDescription(file string) error {
	doc, err := c.client.XferRead(0, "features", file)
	if err != nil {
		return err
	}
	if err := c.model.AmendFromTargetDescription([]byte(doc), file); err != nil {
		return err
	}
	return nil
}

// Execute sends one command and returns its classified reply (spec.md
// §4.5.1). exempt marks fire-and-forget commands (`H`, interrupt-adjacent
// fire-and-forget verbs) that expect no reply even outside No-Ack mode.
func (c *Controller) Execute(channel int, command string, exempt bool) (Reply, error) {
	if c.cfg.DisplayCommPackets {
		c.log.WithChannel(channel).Debug("execute", logging.F("command", command))
	}
	text, err := c.client.Command(channel, command, exempt)
	if err != nil {
		if rsperr.Of(err, rsperr.KindCancelled) {
			return Reply{Kind: ReplyEmpty}, nil
		}
		return Reply{}, err
	}
	c.client.SetActiveChannel(channel)
	return Classify(text, c.model), nil
}

// Classify implements spec.md §4.5.1's classification rules.
func Classify(text string, model *regmodel.Model) Reply {
	switch {
	case text == "OK":
		return Reply{Kind: ReplyOK, Text: text}
	case text == "":
		return Reply{Kind: ReplyEmpty}
	case strings.HasPrefix(text, "E") && len(text) >= 2 && isHexDigits(text[1:]):
		code := 0
		for _, r := range text[1:] {
			code = code*16 + hexVal(byte(r))
		}
		return Reply{Kind: ReplyErrorCode, Code: code, Text: text}
	case (strings.HasPrefix(text, "T") || strings.HasPrefix(text, "S")) && looksLikeStopReply(text, model):
		return Reply{Kind: ReplyStopReply, Text: text}
	case strings.HasPrefix(text, "O") && isHexDigits(text[1:]):
		return Reply{Kind: ReplyConsoleOutput, Text: text, Console: decodeHexString(text[1:])}
	case strings.HasPrefix(text, "W"):
		code := 0
		for _, r := range text[1:] {
			code = code*16 + hexVal(byte(r))
		}
		return Reply{Kind: ReplyProcessExit, Code: code, Text: text}
	default:
		return Reply{Kind: ReplyRaw, Text: text}
	}
}

func looksLikeStopReply(text string, model *regmodel.Model) bool {
	if strings.HasPrefix(text, "S") {
		return len(text) >= 3
	}
	if !strings.Contains(text, "thread:") {
		return false
	}
	if model == nil {
		return true
	}
	pc, ok := model.PCDescriptor()
	if !ok {
		return true
	}
	return strings.Contains(text, pc.Order+":")
}

func isHexDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if hexVal(byte(r)) < 0 {
			return false
		}
	}
	return true
}

func hexVal(b byte) int {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0')
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10
	case b >= 'A' && b <= 'F':
		return int(b-'A') + 10
	default:
		return -1
	}
}

func decodeHexString(hexPairs string) string {
	if len(hexPairs)%2 != 0 {
		return ""
	}
	out := make([]byte, 0, len(hexPairs)/2)
	for i := 0; i+1 < len(hexPairs); i += 2 {
		hi, lo := hexVal(hexPairs[i]), hexVal(hexPairs[i+1])
		if hi < 0 || lo < 0 {
			return ""
		}
		out = append(out, byte(hi<<4|lo))
	}
	return string(out)
}

func encodeHexString(s string) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, len(s)*2)
	for _, b := range []byte(s) {
		out = append(out, digits[b>>4], digits[b&0xf])
	}
	return string(out)
}

// selectThread issues `H<op><tid>` before a per-CPU register or step
// operation, unless the session is multi-channel — in which case the
// channel itself already selects the core (spec.md §4.5.4).
func (c *Controller) selectThread(channel int, op byte, tid string) error {
	if c.cfg.MultiCoreSessions {
		return nil
	}
	cmd := "H" + string(op) + tid
	_, err := c.Execute(channel, cmd, false)
	return err
}

// Monitor implements spec.md §4.5.6: internal pseudo-commands first, then
// a `qRcmd,<hex>` round trip for everything else.
func (c *Controller) Monitor(channel int, commandText string) (string, error) {
	if reply, handled, err := c.dispatchInternal(commandText); handled {
		return reply, err
	}
	req := "qRcmd," + encodeHexString(commandText)
	if c.cfg.GdbMonitorDoNotWaitOnOK {
		text, err := c.client.Command(channel, req, false)
		if err != nil {
			return "", err
		}
		return decodeHexString(text), nil
	}
	var out strings.Builder
	text, err := c.client.Command(channel, req, false)
	if err != nil {
		return "", err
	}
	for {
		switch {
		case text == "OK":
			return out.String(), nil
		case strings.HasPrefix(text, "O"):
			out.WriteString(decodeHexString(text[1:]))
		case strings.HasPrefix(text, "E"):
			return out.String(), rsperr.NewOnChannel("controller.Monitor", channel, rsperr.KindServerError, nil)
		default:
			return text, nil
		}
		text, err = c.client.Receive(channel)
		if err != nil {
			return out.String(), err
		}
	}
}

// dispatchInternal recognises the internal pseudo-commands spec.md §4.5.6
// names, modeled as a small sum type with a fallback (spec.md §9: "model
// as a small sum type of internal commands plus a fallback").
func (c *Controller) dispatchInternal(commandText string) (reply string, handled bool, err error) {
	trimmed := strings.TrimSpace(commandText)
	switch {
	case trimmed == "telemetry":
		return "exdi-gdbrsp-core/" + string(c.cfg.TargetArchitecture), true, nil
	case trimmed == "info registers system" || trimmed == "info registers system -v":
		return c.renderSystemRegisters(strings.HasSuffix(trimmed, "-v")), true, nil
	case trimmed == "SetPAMemoryMode":
		if _, err := c.client.Command(0, "Qqemu.PhyMemMode:1", false); err != nil {
			return "", true, err
		}
		c.paMemoryMode = true
		return "OK", true, nil
	default:
		return "", false, nil
	}
}

func (c *Controller) renderSystemRegisters(verbose bool) string {
	var out strings.Builder
	for _, r := range c.model.SystemGroup {
		out.WriteString(r.Name)
		if verbose {
			out.WriteString(" (")
			out.WriteString(r.Group)
			out.WriteString(")")
		}
		out.WriteString("\n")
	}
	return out.String()
}

// PAMemoryMode reports whether SetPAMemoryMode has been applied this
// session.
func (c *Controller) PAMemoryMode() bool { return c.paMemoryMode }

// CapabilityTable exposes the negotiated Capability & Feature Table.
func (c *Controller) CapabilityTable() *capability.Table { return c.client.Capabilities() }

// Threads returns the Thread Identifier Table built by RefreshThreads.
func (c *Controller) Threads() []string { return c.threads }

// enterRunning marks the state machine Running, called before issuing
// `c`/`s` (spec.md §4.5.7).
func (c *Controller) enterRunning() { c.state = StateRunning }

// enterHalted marks the state machine Halted, called whenever a
// stop-reply is observed.
func (c *Controller) enterHalted() { c.state = StateHalted }

// Continue starts `c` on the Async Command Orchestrator (spec.md §4.6,
// C6) and returns the correlation id assigned to the resulting job;
// the caller polls AsyncResult or calls AsyncInterrupt. threadID may be
// "" to let the server choose (spec.md §4.5.4: "H is omitted" only
// applies to multi-channel sessions; selectThread handles that).
func (c *Controller) Continue(channel int, threadID string) (xid.ID, error) {
	c.executor.setTarget(channel, threadID)
	return c.orch.Start("c")
}

// Step starts `s`, symmetric to Continue.
func (c *Controller) Step(channel int, threadID string) (xid.ID, error) {
	c.executor.setTarget(channel, threadID)
	return c.orch.Start("s")
}

// AsyncInProgress reports whether a Continue/Step is still outstanding.
func (c *Controller) AsyncInProgress() bool { return c.orch.IsInProgress() }

// AsyncResult waits up to timeout for the outstanding Continue/Step to
// finish (spec.md §4.6 "result(timeout_ms) returns Option<text>").
func (c *Controller) AsyncResult(timeout time.Duration) (string, bool, error) {
	return c.orch.Result(timeout)
}

// AsyncInterrupt sends `0x03` to every channel and unblocks the
// outstanding Continue/Step's receive wait; a no-op if nothing is
// outstanding (spec.md §4.6 "interrupt() sends 0x03 to all channels").
func (c *Controller) AsyncInterrupt() error { return c.orch.Interrupt() }

// controllerExecutor implements async.Executor against a Controller,
// the "Orchestrator wraps one *controller.Controller" wiring spec.md
// §9/SPEC_FULL §5.6 calls for. Run issues the verb the Orchestrator was
// started with ("c" or "s") and blocks on the resulting stop-reply;
// Interrupt broadcasts the break byte to every channel.
type controllerExecutor struct {
	ctl *Controller

	mu       sync.Mutex
	channel  int
	threadID string
}

func (e *controllerExecutor) setTarget(channel int, threadID string) {
	e.mu.Lock()
	e.channel, e.threadID = channel, threadID
	e.mu.Unlock()
}

func (e *controllerExecutor) target() (int, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel, e.threadID
}

func (e *controllerExecutor) Run(command string, cancel <-chan struct{}) (string, error) {
	channel, threadID := e.target()
	return e.ctl.runAsyncCommand(channel, threadID, command, cancel)
}

func (e *controllerExecutor) Interrupt() error {
	return e.ctl.client.Interrupt(-1)
}

// runAsyncCommand issues the `H<op><thread-id>` selection (`op` is always
// `c` for step/continue per spec.md §4.5.4), transitions Running, sends
// verb ("c"/"s"), and blocks on the Framer's receive until a stop-reply
// arrives or cancel fires. On completion it calls QuiesceOthers, which
// reads and drops one already-pending frame from each other channel so a
// multi-core continue's stray replies on non-reporting channels don't leak
// into the next command; it sends no interrupt to those channels.
func (c *Controller) runAsyncCommand(channel int, threadID, verb string, cancel <-chan struct{}) (string, error) {
	if err := c.selectThread(channel, 'c', threadID); err != nil {
		return "", err
	}
	c.enterRunning()
	c.client.SetCancelFunc(channel, func() bool {
		select {
		case <-cancel:
			return true
		default:
			return false
		}
	})
	defer c.client.SetCancelFunc(channel, nil)

	text, err := c.client.Command(channel, verb, false)
	if err != nil {
		return "", err
	}
	c.client.SetActiveChannel(channel)
	c.client.QuiesceOthers(channel)
	c.enterHalted()
	return text, nil
}
