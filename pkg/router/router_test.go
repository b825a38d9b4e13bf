package router

import (
	"regexp"
	"testing"

	"github.com/forgebay/runnerd/pkg/types"
	"github.com/stretchr/testify/require"
)

func testRouter() *Router {
	return New(Config{
		Capabilities: []CapabilityRule{
			{Label: "gpu", Profile: types.ResourceProfile{Name: "gpu", GPUCount: 1}, Queue: "gpu-queue"},
		},
		RepoRules: []RepoRule{
			{Pattern: regexp.MustCompile(`^acme/`), Profile: types.ResourceProfile{Name: "acme-default"}, Queue: "acme-queue"},
		},
		DefaultProfile: types.ResourceProfile{Name: "default"},
		DefaultQueue:   "default",
		RepoTiers: map[string]RepoTier{
			"acme/web": TierGold,
			"acme/api": TierSilver,
		},
	})
}

func TestRouteCapabilityRuleWinsFirst(t *testing.T) {
	r := testRouter()
	job := &types.Job{Repository: "acme/web", RequestedLabels: []string{"gpu"}, Workflow: "build"}

	decision := r.Route(job)
	require.Equal(t, "gpu-queue", decision.QueueName)
	require.Equal(t, 1, decision.ResourceProfile.GPUCount)
}

func TestRouteRepoRuleFallback(t *testing.T) {
	r := testRouter()
	job := &types.Job{Repository: "acme/web", Workflow: "build"}

	decision := r.Route(job)
	require.Equal(t, "acme-queue", decision.QueueName)
	require.Equal(t, "acme-default", decision.ResourceProfile.Name)
}

func TestRouteDefaultProfile(t *testing.T) {
	r := testRouter()
	job := &types.Job{Repository: "other/repo", Workflow: "build"}

	decision := r.Route(job)
	require.Equal(t, "default", decision.QueueName)
	require.Equal(t, "default", decision.ResourceProfile.Name)
}

func TestPriorityGoldBeatsSilverBeatsBronze(t *testing.T) {
	r := testRouter()

	gold := r.Route(&types.Job{Repository: "acme/web", Workflow: "build"})
	silver := r.Route(&types.Job{Repository: "acme/api", Workflow: "build"})
	bronze := r.Route(&types.Job{Repository: "other/repo", Workflow: "build"})

	require.Less(t, gold.Priority, silver.Priority)
	require.Less(t, silver.Priority, bronze.Priority)
}

func TestPriorityDefaultBranchBeatsPullRequest(t *testing.T) {
	r := testRouter()

	defaultBranch := r.Route(&types.Job{Repository: "acme/web", Workflow: "build"})
	pr := r.Route(&types.Job{Repository: "acme/web", Workflow: "build", RequestedLabels: []string{"pull_request"}})

	require.Less(t, defaultBranch.Priority, pr.Priority)
}
