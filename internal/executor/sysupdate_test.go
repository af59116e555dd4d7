package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniforge/zonemind/internal/command"
)

const updatePlanOutput = `            Packages to update:  3
       Create boot environment: Yes
Create backup boot environment:  No
     Estimated space available: 170.94 GB
Estimated space to be consumed:   1.52 GB

Changed packages:
omnios
  SUNWcs
    0.5.11-151046.119 -> 0.5.11-151046.131
  driver/storage/nvme
    0.5.11-151046.119 -> 0.5.11-151046.131
extra.omnios
  ooce/runtime/node-18
    18.16.0-151046.0 -> 18.17.1-151046.0
Services:
  restart_fmri:
    svc:/system/manifest-import:default
`

func TestParseUpdateCheck(t *testing.T) {
	check := parseUpdateCheck(updatePlanOutput)

	assert.True(t, check.UpdatesAvailable)
	assert.Equal(t, 3, check.PackageCount)
	assert.True(t, check.CreateBootEnv)
	assert.False(t, check.CreateBackupBootEnv)
	assert.Equal(t, "170.94 GB", check.SpaceAvailable)
	assert.Equal(t, "1.52 GB", check.SpaceRequired)

	require.Len(t, check.Publishers, 2, "services block stays out of the plan")
	assert.Equal(t, "omnios", check.Publishers[0].Publisher)
	require.Len(t, check.Publishers[0].Packages, 2)
	assert.Equal(t, "SUNWcs", check.Publishers[0].Packages[0].Name)
	assert.Equal(t, "0.5.11-151046.119", check.Publishers[0].Packages[0].FromVersion)
	assert.Equal(t, "0.5.11-151046.131", check.Publishers[0].Packages[0].ToVersion)

	assert.Equal(t, "extra.omnios", check.Publishers[1].Publisher)
	require.Len(t, check.Publishers[1].Packages, 1)
	assert.Equal(t, "ooce/runtime/node-18", check.Publishers[1].Packages[0].Name)
}

func TestParseUpdateCheckCountsFromPlan(t *testing.T) {
	output := "Changed packages:\nomnios\n  SUNWcs\n    1.0 -> 1.1\n"
	check := parseUpdateCheck(output)
	assert.True(t, check.UpdatesAvailable)
	assert.Equal(t, 1, check.PackageCount, "falls back to counting parsed packages")
}

func TestCheckUpdatesNothingToDo(t *testing.T) {
	runner := newFakeRunner().on("pkg update -nv", command.Result{
		Success:  false,
		ExitCode: 4,
		Output:   "No updates available for this image.\n",
	})
	e := newTestExecutor(runner, new(mockProjectionRepo))

	check, err := e.CheckUpdates(context.Background(), false)
	require.NoError(t, err, "exit code 4 is a clean empty check")
	assert.False(t, check.UpdatesAvailable)
	assert.Zero(t, check.PackageCount)
	assert.Empty(t, check.Raw)
	assert.False(t, check.CheckedAt.IsZero())
}

func TestCheckUpdatesFailure(t *testing.T) {
	runner := newFakeRunner().on("pkg update -nv", command.Result{
		Success:  false,
		ExitCode: 1,
		Error:    "pkg: unable to contact any configured publishers",
	})
	e := newTestExecutor(runner, new(mockProjectionRepo))

	_, err := e.CheckUpdates(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited 1")
}

func TestCheckUpdatesIncludesRaw(t *testing.T) {
	runner := newFakeRunner().out("pkg update -nv", updatePlanOutput)
	e := newTestExecutor(runner, new(mockProjectionRepo))

	check, err := e.CheckUpdates(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, updatePlanOutput, check.Raw)
}

func TestUpdateHistory(t *testing.T) {
	runner := newFakeRunner().out("pkg history",
		"2026-08-18T09:00:00 refresh-publishers pkg Succeeded\n"+
			"2026-08-20T10:11:12 update pkg Succeeded\n")
	e := newTestExecutor(runner, new(mockProjectionRepo))

	entries, err := e.UpdateHistory(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "update", entries[0].Operation, "newest first")
	assert.Equal(t, "Succeeded", entries[0].Outcome)

	limited, err := e.UpdateHistory(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "update", limited[0].Operation)
}

func TestNewBootEnvironment(t *testing.T) {
	output := "DOWNLOAD    PKGS    FILES    XFER (MB)\n" +
		"Completed   23/23  812/812  145.2/145.2\n" +
		"\n" +
		"A clone of omnios-r151048 exists and will be activated on boot.\n"
	assert.Equal(t, "omnios-r151048", newBootEnvironment(output))
	assert.Empty(t, newBootEnvironment("nothing relevant"))
}
