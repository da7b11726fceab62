package regmodel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/exdi-gdbrsp-core/internal/config"
)

func TestLoadFromSnapshotSeedsCoreGroup(t *testing.T) {
	cfg := config.Default()
	cfg.TargetArchitecture = config.ArchARM32
	cfg.CoreRegisters = []config.RegisterSeed{
		{Name: "r0", Order: "0", Size: 4, Group: "general"},
		{Name: "pc", Order: "f", Size: 4, Group: "general"},
	}
	m := LoadFromSnapshot(cfg)
	require.Len(t, m.CoreGroup, 2)
	pc, ok := m.PCDescriptor()
	require.True(t, ok)
	require.Equal(t, "f", pc.Order)
}

func TestARM64AccessCodeRoundTrip(t *testing.T) {
	code := EncodeARM64(3, 0, 4, 0, 0) // spsr_el1, per spec.md §4.4 example
	op0, op1, crn, crm, op2 := DecodeARM64(code)
	require.Equal(t, uint8(3), op0)
	require.Equal(t, uint8(0), op1)
	require.Equal(t, uint8(4), crn)
	require.Equal(t, uint8(0), crm)
	require.Equal(t, uint8(0), op2)
}

func TestAccessCodeMapFromSnapshot(t *testing.T) {
	cfg := config.Default()
	cfg.TargetArchitecture = config.ArchARM64
	cfg.AccessCodeMap = []config.AccessCodeEntry{
		{Name: "spsr_el1", Op0: 3, Op1: 0, CRn: 4, CRm: 0, Op2: 0},
	}
	m := LoadFromSnapshot(cfg)
	code, ok := m.AccessCodeForName("spsr_el1")
	require.True(t, ok)
	order, name, ok := m.RegisterForAccessCode(code)
	require.True(t, ok)
	require.Equal(t, "spsr_el1", name)
	require.Equal(t, "", order) // access-code entries carry no p/P order by themselves
}

func TestX86AccessCodeMap(t *testing.T) {
	cfg := config.Default()
	cfg.TargetArchitecture = config.ArchX64
	cfg.AccessCodeMap = []config.AccessCodeEntry{
		{Name: "efer", Code: 0xc0000080},
	}
	m := LoadFromSnapshot(cfg)
	code, ok := m.AccessCodeForName("efer")
	require.True(t, ok)
	require.Equal(t, uint32(0xc0000080), code)
}

func TestParseTargetDescriptionLikeTeacherAnnex(t *testing.T) {
	// Modeled on aykevl-emculator/gdb-rsp.go's gdbAnnexTarget.
	doc := []byte(`<?xml version="1.0"?>
<target version="1.0">
<feature name="org.gnu.gdb.arm.m-profile">
<reg name="r0" bitsize="32" regnum="0" group="general"/>
<reg name="pc" bitsize="32" regnum="15" group="general"/>
</feature>
</target>
`)
	arch, includes, regs, err := ParseTargetDescription(doc)
	require.NoError(t, err)
	require.Equal(t, "", arch)
	require.Empty(t, includes)
	require.Len(t, regs, 2)
	require.Equal(t, "f", regs[1].Order)
	require.Equal(t, 4, regs[1].SizeBytes)
}

func TestParseTargetDescriptionWithXInclude(t *testing.T) {
	doc := []byte(`<target><xi:include href="system-registers.xml"/></target>`)
	_, includes, _, err := ParseTargetDescription(doc)
	require.NoError(t, err)
	require.Equal(t, []string{"system-registers.xml"}, includes)
}

func TestIsSystemGroupFile(t *testing.T) {
	require.True(t, IsSystemGroupFile("aarch64-system-registers.xml"))
	require.True(t, IsSystemGroupFile("Banked.xml"))
	require.False(t, IsSystemGroupFile("target.xml"))
}

func TestAmendFromTargetDescriptionMergesCoreGroup(t *testing.T) {
	cfg := config.Default()
	cfg.TargetArchitecture = config.ArchARM64
	m := LoadFromSnapshot(cfg)
	doc := []byte(`<target><architecture>aarch64</architecture><feature name="f"><reg name="x0" bitsize="64" regnum="0"/></feature></target>`)
	err := m.AmendFromTargetDescription(doc, "target.xml")
	require.NoError(t, err)
	require.Equal(t, config.ArchARM64, m.Architecture)
	require.Len(t, m.CoreGroup, 1)
	require.Equal(t, "x0", m.CoreGroup[0].Name)
}

func TestAmendFromTargetDescriptionSystemFile(t *testing.T) {
	cfg := config.Default()
	m := LoadFromSnapshot(cfg)
	doc := []byte(`<target><feature name="f"><reg name="spsr_el1" bitsize="32" regnum="0"/></feature></target>`)
	err := m.AmendFromTargetDescription(doc, "aarch64-system.xml")
	require.NoError(t, err)
	require.Empty(t, m.CoreGroup)
	require.Len(t, m.SystemGroup, 1)
}
