package control

import (
	"testing"
	"time"

	"github.com/forgebay/runnerd/pkg/config"
	"github.com/forgebay/runnerd/pkg/scanner"
	"github.com/stretchr/testify/require"
)

func TestAlertConfigFromOverridesOnlyPositiveFields(t *testing.T) {
	a := alertConfigFrom(config.ContainerConfig{AlertCPU: 90})
	require.Equal(t, 90.0, a.CPUThreshold)
	require.Equal(t, 85.0, a.MemoryThreshold, "zero-valued fields fall back to the documented default")
}

func TestScalerConfigFromOverridesOnlyPositiveFields(t *testing.T) {
	s := scalerConfigFrom(config.ScalerConfig{UpThreshold: 0.95})
	require.Equal(t, 0.95, s.UpThreshold)
	require.Equal(t, 0.2, s.DownThreshold)
}

func TestReaperConfigFromCopiesEveryField(t *testing.T) {
	cfg := config.CleanupConfig{
		ContainerTTL: time.Minute, JobRetention: time.Hour,
		MetricsRetention: 2 * time.Hour, PoolIdleTTL: 3 * time.Hour,
		Interval: 10 * time.Second,
	}
	r := reaperConfigFrom(cfg)
	require.Equal(t, cfg.ContainerTTL, r.ContainerTTL)
	require.Equal(t, cfg.JobRetention, r.JobRetention)
	require.Equal(t, cfg.MetricsRetention, r.MetricsRetention)
	require.Equal(t, cfg.PoolIdleTTL, r.PoolIdleTTL)
	require.Equal(t, cfg.Interval, r.Interval)
}

func TestBuiltinPatternsForReturnsAllWhenUnconfigured(t *testing.T) {
	got := builtinPatternsFor(config.ScannerConfig{})
	require.Len(t, got, len(scanner.BuiltinPatterns()))
}

func TestBuiltinPatternsForFiltersToNamedPatterns(t *testing.T) {
	got := builtinPatternsFor(config.ScannerConfig{Patterns: []string{"aws_key"}})
	require.Len(t, got, 1)
	require.Equal(t, "aws_key", got[0].Kind)
}

func TestGrpcHealthAddrIncrementsPort(t *testing.T) {
	require.Equal(t, "127.0.0.1:9091", grpcHealthAddr("127.0.0.1:9090"))
}

func TestGrpcHealthAddrFallsBackOnUnparsableAddr(t *testing.T) {
	require.Equal(t, ":bogus", grpcHealthAddr(":bogus"))
}

func TestRouterConfigFromCompilesRepoRulePatterns(t *testing.T) {
	cfg := config.RouterConfig{
		RepoRules: []config.RepoRuleSpec{
			{Pattern: `^org/.*-gpu$`, Profile: config.ResourceProfileSpec{Name: "gpu"}, Queue: "gpu-queue"},
		},
		DefaultProfile: config.ResourceProfileSpec{Name: "default"},
		DefaultQueue:   "default",
	}
	rc, err := routerConfigFrom(cfg)
	require.NoError(t, err)
	require.Len(t, rc.RepoRules, 1)
	require.True(t, rc.RepoRules[0].Pattern.MatchString("org/foo-gpu"))
	require.Equal(t, "gpu", rc.RepoRules[0].Profile.Name)
}

func TestRouterConfigFromRejectsInvalidPattern(t *testing.T) {
	_, err := routerConfigFrom(config.RouterConfig{
		RepoRules: []config.RepoRuleSpec{{Pattern: "("}},
	})
	require.Error(t, err)
}
