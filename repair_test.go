package exfatfsck

import (
	"io/ioutil"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFsckOptions_IsWritable(t *testing.T) {
	require.True(t, OptRepairAsk.IsWritable())
	require.True(t, OptRepairYes.IsWritable())
	require.True(t, OptRepairAuto.IsWritable())
	require.False(t, OptRepairNo.IsWritable())
	require.True(t, (OptRepairYes | OptRescueClusters).IsWritable())
}

func TestAutoRepairable_IsConservative(t *testing.T) {
	// The truncating classes lose data clusters and are never automatic.
	require.False(t, autoRepairable[RepairFirstCluster])
	require.False(t, autoRepairable[RepairSmallerSize])
	require.False(t, autoRepairable[RepairDuplicatedCluster])
	require.False(t, autoRepairable[RepairInvalidCluster])

	require.True(t, autoRepairable[RepairBootRegion])
	require.True(t, autoRepairable[RepairLargerSize])
	require.True(t, autoRepairable[RepairZeroNoFatChain])
	require.True(t, autoRepairable[RepairValidSize])
	require.True(t, autoRepairable[RepairDentryChecksum])
}

func TestRepairAsk_Modes(t *testing.T) {
	yes := NewFsck(OptRepairYes)
	yes.SetPrompt(strings.NewReader(""), ioutil.Discard)

	require.True(t, yes.repairAsk(RepairDuplicatedCluster, "/A.BIN", "duplicated"))
	require.True(t, yes.Dirty())

	no := NewFsck(OptRepairNo)
	no.SetPrompt(strings.NewReader(""), ioutil.Discard)

	require.False(t, no.repairAsk(RepairDentryChecksum, "/A.BIN", "bad checksum"))
	require.False(t, no.Dirty())

	auto := NewFsck(OptRepairAuto)
	auto.SetPrompt(strings.NewReader(""), ioutil.Discard)

	require.True(t, auto.repairAsk(RepairDentryChecksum, "/A.BIN", "bad checksum"))
	require.False(t, auto.repairAsk(RepairDuplicatedCluster, "/A.BIN", "duplicated"))
}

func TestRepairAsk_Prompt(t *testing.T) {
	fsck := NewFsck(OptRepairAsk)
	fsck.SetPrompt(strings.NewReader("y\nn\nbogus\ny\na\n"), ioutil.Discard)

	require.True(t, fsck.repairAsk(RepairValidSize, "/A.BIN", "first"))
	require.False(t, fsck.repairAsk(RepairValidSize, "/B.BIN", "second"))

	// Unrecognized answers re-prompt.
	require.True(t, fsck.repairAsk(RepairValidSize, "/C.BIN", "third"))

	// Abort answers no and raises the cancel flag.
	require.False(t, fsck.repairAsk(RepairValidSize, "/D.BIN", "fourth"))
	require.True(t, fsck.cancelled)
}

func TestRepairAsk_PromptExhausted(t *testing.T) {
	fsck := NewFsck(OptRepairAsk)
	fsck.SetPrompt(strings.NewReader(""), ioutil.Discard)

	// With no answers left, the mode degrades to report-only.
	require.False(t, fsck.repairAsk(RepairValidSize, "/A.BIN", "fault"))
	require.NotZero(t, fsck.options&OptRepairNo)
	require.Zero(t, fsck.options&OptRepairAsk)
}

func TestRepairCode_String(t *testing.T) {
	require.Equal(t, "duplicated-cluster", RepairDuplicatedCluster.String())
	require.Equal(t, "boot-region", RepairBootRegion.String())
}
