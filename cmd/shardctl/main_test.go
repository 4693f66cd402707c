package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSlot(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"0", 0, false},
		{"16383", 16383, false},
		{"16384", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSlot(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errdefs.IsPrecondition(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSlots(t *testing.T) {
	set, err := parseSlots("0-99, 512,1000-1001")
	require.NoError(t, err)
	assert.Equal(t, 103, set.Len())
	assert.True(t, set.Has(0))
	assert.True(t, set.Has(99))
	assert.False(t, set.Has(100))
	assert.True(t, set.Has(512))
	assert.True(t, set.Has(1001))

	_, err = parseSlots(" , ")
	assert.Error(t, err)

	_, err = parseSlots("10-x")
	assert.Error(t, err)
}

func TestExecuteExitCodes(t *testing.T) {
	var ee *exitError
	require.True(t, errors.As(&exitError{code: exitUnhealthy}, &ee))
	assert.Equal(t, "exit status 9", ee.Error())

	assert.Equal(t, 1, errdefs.ExitCode(errors.New("boom")))
	assert.Equal(t, 2, errdefs.ExitCode(errdefs.Precondition("no replicas")))
	assert.Equal(t, 3, errdefs.ExitCode(errdefs.Conflict("abc", "op-1")))
}

func newChaosTestCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "chaos"}
	addChaosFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestChaosParamsFromFlags(t *testing.T) {
	cmd := newChaosTestCmd(t, "--keys", "20", "--target", "127.0.0.1:7000", "--observe", "5s")
	params, err := chaosParams(cmd, []string{"master-down"})
	require.NoError(t, err)

	assert.Equal(t, "master-down", params.Scenario)
	assert.Equal(t, 20, params.Keys)
	assert.Equal(t, "127.0.0.1:7000", params.Target)
	assert.Equal(t, 5*time.Second, params.ObserveDeadline)
	assert.Zero(t, params.RecoverDeadline)
}

func TestChaosParamsFileWithOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	doc := "scenario: reshard\nkeys: 200\nslot_count: 10\nobserve_deadline: 45s\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cmd := newChaosTestCmd(t, "--file", path, "--slot-count", "25")
	params, err := chaosParams(cmd, nil)
	require.NoError(t, err)

	assert.Equal(t, "reshard", params.Scenario)
	assert.Equal(t, 200, params.Keys)
	assert.Equal(t, 25, params.SlotCount)
	assert.Equal(t, 45*time.Second, params.ObserveDeadline)

	// The positional scenario wins over the file
	params, err = chaosParams(cmd, []string{"replica-down"})
	require.NoError(t, err)
	assert.Equal(t, "replica-down", params.Scenario)
}

func TestChaosParamsRequiresScenario(t *testing.T) {
	cmd := newChaosTestCmd(t)
	_, err := chaosParams(cmd, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsPrecondition(err))

	cmd = newChaosTestCmd(t, "--file", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = chaosParams(cmd, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsPrecondition(err))
}
