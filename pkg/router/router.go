// Package router classifies a Received Job into a (queue, priority,
// resource profile, required labels) tuple, the way pkg/scheduler's
// filterSchedulableNodes/selectNode apply an ordered rule then fall
// back to a default. Routing here is deterministic and side-effect-free:
// it never touches storage.
package router

import (
	"regexp"

	"github.com/forgebay/runnerd/pkg/types"
)

// RepoTier is the tier assigned to a repository for priority derivation.
type RepoTier string

const (
	TierGold   RepoTier = "gold"
	TierSilver RepoTier = "silver"
	TierBronze RepoTier = "bronze"
)

// CapabilityRule maps a requested label to a resource profile.
type CapabilityRule struct {
	Label   string
	Profile types.ResourceProfile
	Queue   string
}

// RepoRule maps a repository name pattern to a resource profile.
type RepoRule struct {
	Pattern *regexp.Regexp
	Profile types.ResourceProfile
	Queue   string
}

// Decision is the router's output, handed to the Queue Engine's Enqueue.
type Decision struct {
	QueueName       string
	Priority        int
	ResourceProfile types.ResourceProfile
	RequiredLabels  []string
}

// Config holds the router's rule tables, in evaluation order.
type Config struct {
	Capabilities  []CapabilityRule
	RepoRules     []RepoRule
	DefaultProfile types.ResourceProfile
	DefaultQueue  string
	RepoTiers     map[string]RepoTier
}

// Router classifies Jobs per spec.md §4.4.
type Router struct {
	cfg Config
}

// New builds a Router over cfg.
func New(cfg Config) *Router {
	return &Router{cfg: cfg}
}

// Route classifies job, applying rules in order: capability label match,
// then repository pattern, then the default profile.
func (r *Router) Route(job *types.Job) Decision {
	for _, rule := range r.cfg.Capabilities {
		if hasLabel(job.RequestedLabels, rule.Label) {
			return Decision{
				QueueName:       pick(rule.Queue, r.cfg.DefaultQueue),
				Priority:        r.priority(job),
				ResourceProfile: rule.Profile,
				RequiredLabels:  job.RequestedLabels,
			}
		}
	}

	for _, rule := range r.cfg.RepoRules {
		if rule.Pattern.MatchString(job.Repository) {
			return Decision{
				QueueName:       pick(rule.Queue, r.cfg.DefaultQueue),
				Priority:        r.priority(job),
				ResourceProfile: rule.Profile,
				RequiredLabels:  job.RequestedLabels,
			}
		}
	}

	return Decision{
		QueueName:       r.cfg.DefaultQueue,
		Priority:        r.priority(job),
		ResourceProfile: r.cfg.DefaultProfile,
		RequiredLabels:  job.RequestedLabels,
	}
}

// priority derives a priority number (lower = more urgent) from the
// repository's configured tier combined with whether the job targets
// the default branch.
func (r *Router) priority(job *types.Job) int {
	tier := r.cfg.RepoTiers[job.Repository]
	base := tierBase(tier)
	if isDefaultBranchWorkflow(job) {
		base--
	}
	return base
}

func tierBase(tier RepoTier) int {
	switch tier {
	case TierGold:
		return 10
	case TierSilver:
		return 20
	default:
		return 30
	}
}

// isDefaultBranchWorkflow reports whether the workflow name suggests a
// default-branch run rather than a pull request, nudging priority up.
func isDefaultBranchWorkflow(job *types.Job) bool {
	return job.Workflow != "" && !hasLabel(job.RequestedLabels, "pull_request")
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

func pick(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}
