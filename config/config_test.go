// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 15.625, cfg.TickDurationMS)
	require.Equal(t, 64, cfg.HistoryWindowTicks)
	require.Equal(t, 2, cfg.InputLeadTicksMin)
	require.Equal(t, 16, cfg.InputLeadTicksMax)
	require.Equal(t, 5000, cfg.KeepaliveTimeoutMS)
	require.Equal(t, 1200, cfg.MTUBytes)
	require.Equal(t, 65535, cfg.MaxMessageSizeBytes)
	require.Equal(t, 30, cfg.ResyncThresholdTicks)
	require.Equal(t, 15625*time.Microsecond, cfg.TickDuration())
	require.Equal(t, 5*time.Second, cfg.KeepaliveTimeout())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nettick.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
tick_duration_ms = 33.3
history_window_ticks = 128
mtu_bytes = 508
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 33.3, cfg.TickDurationMS)
	require.Equal(t, 128, cfg.HistoryWindowTicks)
	require.Equal(t, 508, cfg.MTUBytes)
	// Untouched fields get defaults.
	require.Equal(t, 65535, cfg.MaxMessageSizeBytes)
}

func TestValidation(t *testing.T) {
	cfg := Default()
	cfg.HistoryWindowTicks = 100 // does not divide 65536
	require.Error(t, cfg.FixupAndValidate())

	cfg = Default()
	cfg.InputLeadTicksMin = 20
	cfg.InputLeadTicksMax = 4
	require.Error(t, cfg.FixupAndValidate())

	cfg = Default()
	cfg.ResyncThresholdTicks = 64
	require.Error(t, cfg.FixupAndValidate())

	cfg = Default()
	cfg.MTUBytes = 64
	require.Error(t, cfg.FixupAndValidate())
}
