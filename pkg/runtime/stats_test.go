package runtime

import (
	"testing"

	"github.com/forgebay/runnerd/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestDeriveCPUPercentZeroOnFirstRead(t *testing.T) {
	cur := rawSample{cpuUsageNanos: 1000, onlineCPUs: 2}
	pct := deriveCPUPercent(rawSample{}, cur, 0, 5000, false)
	require.Zero(t, pct)
}

func TestDeriveCPUPercentComputesDeltaRatio(t *testing.T) {
	prev := rawSample{cpuUsageNanos: 1000, onlineCPUs: 2}
	cur := rawSample{cpuUsageNanos: 1500, onlineCPUs: 2}
	// cpu delta 500, system delta 1000 -> 0.5 * 2 * 100 = 100
	pct := deriveCPUPercent(prev, cur, 10000, 11000, true)
	require.InDelta(t, 100.0, pct, 0.001)
}

func TestDeriveCPUPercentGuardsAgainstNonMonotonicSystemClock(t *testing.T) {
	prev := rawSample{cpuUsageNanos: 1000}
	cur := rawSample{cpuUsageNanos: 1500}
	pct := deriveCPUPercent(prev, cur, 10000, 9000, true)
	require.Zero(t, pct)
}

func TestDeriveMemoryPercentZeroWhenLimitUnset(t *testing.T) {
	require.Zero(t, deriveMemoryPercent(rawSample{memUsageBytes: 100, memLimitBytes: 0}))
}

func TestDeriveMemoryPercentComputesRatio(t *testing.T) {
	pct := deriveMemoryPercent(rawSample{memUsageBytes: 50, memLimitBytes: 200})
	require.InDelta(t, 25.0, pct, 0.001)
}

func TestAllowListValidateRejectsUnlistedImage(t *testing.T) {
	al := AllowList{Images: []string{"ghcr.io/forgebay/runner:latest"}}
	err := al.Validate(&types.Container{Image: "untrusted/image"})
	require.Error(t, err)
}

func TestAllowListValidateAcceptsListedImage(t *testing.T) {
	al := AllowList{Images: []string{"ghcr.io/forgebay/runner:latest"}}
	err := al.Validate(&types.Container{Image: "ghcr.io/forgebay/runner:latest"})
	require.NoError(t, err)
}

func TestAllowListValidateRejectsUnlistedBindSource(t *testing.T) {
	al := AllowList{BindPaths: []string{"/var/lib/runnerd/workspaces"}}
	err := al.Validate(&types.Container{
		Mounts: []types.MountSpec{{Source: "/etc", Target: "/etc"}},
	})
	require.Error(t, err)
}

func TestAllowListValidateEmptyListsAllowEverything(t *testing.T) {
	al := AllowList{}
	err := al.Validate(&types.Container{Image: "anything", Mounts: []types.MountSpec{{Source: "/anywhere"}}})
	require.NoError(t, err)
}
