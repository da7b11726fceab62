// Package regmodel implements the Register Model (spec.md §3 data model,
// §4.4, C4): ordered core/system register vectors per architecture and a
// system-register access-code map, seeded from configuration and
// optionally amended from a target-description document fetched over
// qXfer:features:read.
//
// The seed vectors and the target-description shape are grounded on
// aykevl-emculator/gdb-rsp.go's gdbAnnexTarget literal (a fixed Cortex-M
// <feature>/<reg> document) and cross-checked against the independent
// reference server in other_examples/…SeleniaProject-Orizon…gdbserver-server.go
// (handleQXferFeatures), generalized from one hardcoded feature list into
// the arch-selectable vectors spec.md §4.4 requires.
package regmodel

import (
	"strconv"

	"github.com/microsoft/exdi-gdbrsp-core/internal/config"
	"github.com/microsoft/exdi-gdbrsp-core/internal/rsperr"
)

// RegisterDescriptor is one entry of a register vector (spec.md §3).
type RegisterDescriptor struct {
	Name      string
	Order     string // textual identifier used in p<order>/P<order>=
	SizeBytes int
	Group     string
}

// AccessCode is the encoded access-code key for a system register,
// architecture-specific per spec.md §4.4.
type AccessCode struct {
	// ARM64: {Op0,Op1,CRn,CRm,Op2} packed into a single comparable value.
	ARM64 uint32
	// x86/x86-64: the raw MSR index.
	X86 uint32
}

// EncodeARM64 packs the 5-tuple ARM64 system-register access code the way
// spec.md §4.4 describes ("a 32-bit packed tuple on ARM").
func EncodeARM64(op0, op1, crn, crm, op2 uint8) uint32 {
	return uint32(op0)<<24 | uint32(op1)<<20 | uint32(crn)<<12 | uint32(crm)<<4 | uint32(op2)
}

// DecodeARM64 reverses EncodeARM64.
func DecodeARM64(code uint32) (op0, op1, crn, crm, op2 uint8) {
	op0 = uint8(code >> 24)
	op1 = uint8((code >> 20) & 0xf)
	crn = uint8((code >> 12) & 0xff)
	crm = uint8((code >> 4) & 0xff)
	op2 = uint8(code & 0xf)
	return
}

// accessEntry binds one access code to the register (order, name) pair
// the Controller resolves it to (spec.md §4.4 "System-Register Access
// Map").
type accessEntry struct {
	code  uint32
	order string
	name  string
}

// Model holds the active architecture's register vectors and access-code
// map. Built once at session start; read-only afterward except for one
// AmendFromTargetDescription pass (spec.md §5 "Resource lifetimes").
type Model struct {
	Architecture config.Architecture
	CoreGroup    []RegisterDescriptor
	SystemGroup  []RegisterDescriptor

	orderIndex map[string]int // order -> index into CoreGroup, for p/P lookups
	nameIndex  map[string]int // name -> index into CoreGroup

	accessByCode map[uint32]accessEntry
	accessByName map[string]accessEntry
}

// LoadFromSnapshot seeds a Model from the Configuration Snapshot's static
// register vectors and access-code map (spec.md §4.4 "Initial
// population").
func LoadFromSnapshot(cfg config.Snapshot) *Model {
	m := &Model{
		Architecture: cfg.TargetArchitecture,
		orderIndex:   make(map[string]int),
		nameIndex:    make(map[string]int),
		accessByCode: make(map[uint32]accessEntry),
		accessByName: make(map[string]accessEntry),
	}
	for _, r := range cfg.CoreRegisters {
		m.addCore(RegisterDescriptor{Name: r.Name, Order: r.Order, SizeBytes: r.Size, Group: r.Group})
	}
	for _, r := range cfg.SystemRegisters {
		m.SystemGroup = append(m.SystemGroup, RegisterDescriptor{Name: r.Name, Order: r.Order, SizeBytes: r.Size, Group: r.Group})
	}
	for _, a := range cfg.AccessCodeMap {
		var code uint32
		if cfg.TargetArchitecture == config.ArchARM64 || cfg.TargetArchitecture == config.ArchARM32 {
			code = EncodeARM64(a.Op0, a.Op1, a.CRn, a.CRm, a.Op2)
		} else {
			code = a.Code
		}
		entry := accessEntry{code: code, name: a.Name}
		m.accessByCode[code] = entry
		m.accessByName[a.Name] = entry
	}
	return m
}

func (m *Model) addCore(d RegisterDescriptor) {
	m.orderIndex[d.Order] = len(m.CoreGroup)
	m.nameIndex[d.Name] = len(m.CoreGroup)
	m.CoreGroup = append(m.CoreGroup, d)
}

// PCDescriptor returns the core-group register descriptor conventionally
// used as the program counter, selected by architecture-appropriate name
// (spec.md §4.5.1 "the architecture's PC-register order").
func (m *Model) PCDescriptor() (RegisterDescriptor, bool) {
	candidates := map[config.Architecture]string{
		config.ArchX86:   "eip",
		config.ArchX64:   "rip",
		config.ArchARM32: "pc",
		config.ArchARM64: "pc",
	}
	name, ok := candidates[m.Architecture]
	if !ok {
		return RegisterDescriptor{}, false
	}
	idx, ok := m.nameIndex[name]
	if !ok {
		return RegisterDescriptor{}, false
	}
	return m.CoreGroup[idx], true
}

// ByOrder looks up a core-group descriptor by its textual order.
func (m *Model) ByOrder(order string) (RegisterDescriptor, bool) {
	idx, ok := m.orderIndex[order]
	if !ok {
		return RegisterDescriptor{}, false
	}
	return m.CoreGroup[idx], true
}

// AccessCodeForName resolves a system register name (e.g. "spsr_el1",
// "efer") to its encoded access code.
func (m *Model) AccessCodeForName(name string) (uint32, bool) {
	e, ok := m.accessByName[name]
	if !ok {
		return 0, false
	}
	return e.code, true
}

// RegisterForAccessCode resolves an encoded access code back to an
// (order, name) pair — the reverse direction used when the Controller
// receives a register identified by coordinates rather than by name.
func (m *Model) RegisterForAccessCode(code uint32) (order, name string, ok bool) {
	e, found := m.accessByCode[code]
	if !found {
		return "", "", false
	}
	return e.order, e.name, true
}

// orderFromRegnum renders a decimal regnum as the lowercase-hex order
// string spec.md §4.4 specifies: "whose order is the decimal regnum
// rendered as lowercase hex".
func orderFromRegnum(regnum int) string {
	return strconv.FormatInt(int64(regnum), 16)
}

// ValidationError marks a target-description parse failure.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

func wrapXMLError(op string, err error) error {
	return rsperr.Wrap(op, rsperr.KindProtocol, err)
}
