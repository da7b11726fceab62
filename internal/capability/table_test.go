package capability

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdateFromQSupportedLiteral(t *testing.T) {
	// spec.md §8 scenario 1.
	tbl := New()
	tbl.UpdateFromQSupported("PacketSize=4000;QStartNoAckMode+;qXfer:features:read+")
	require.Equal(t, uint32(0x4000), tbl.Value(FeaturePacketSize))
	require.True(t, tbl.IsEnabled(FeatureQStartNoAckMode))
	require.True(t, tbl.IsEnabled(FeatureQXferFeaturesRead))
}

func TestUnknownTokensIgnored(t *testing.T) {
	tbl := New()
	tbl.UpdateFromQSupported("SomeRandomThing+;multiprocess-")
	require.False(t, tbl.IsEnabled(FeatureVCont))
}

func TestOverrideAndSetValue(t *testing.T) {
	tbl := New()
	tbl.Override(FeatureTrace32Memory, true)
	require.True(t, tbl.IsEnabled(FeatureTrace32Memory))
	tbl.SetValue(FeaturePacketSize, 512)
	require.Equal(t, uint32(512), tbl.Value(FeaturePacketSize))
}

func TestSnapshotCoversAllFeatures(t *testing.T) {
	tbl := New()
	snap := tbl.Snapshot()
	require.Len(t, snap, int(featureCount))
}
