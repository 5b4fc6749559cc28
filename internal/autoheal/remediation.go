package autoheal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/devflow/core/internal/backoff"
)

// RemediationFn performs a remediation action for a cluster hint (e.g. which
// environment/cluster a network_fix should reconnect to). It returns an
// error if the remediation itself failed; failure is logged and treated as
// "no fix", so the original error propagates.
type RemediationFn func(clusterHint string) error

// RemediationActions holds the fixed, keyed remediation actions a decorator
// site can invoke. network_fix and auth_fix are the functions passed to
// NewRemediationActions (e.g. vpn_connect, token_refresh); a nil one means
// that category never retries, and unknown actions are no-ops.
type RemediationActions struct {
	logger     *slog.Logger
	policy     backoff.Policy
	NetworkFix RemediationFn
	AuthFix    RemediationFn
}

// NewRemediationActions creates a RemediationActions with the given
// handlers. Either may be nil, in which case that category never retries.
func NewRemediationActions(logger *slog.Logger, networkFix, authFix RemediationFn) *RemediationActions {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemediationActions{
		logger:     logger.With("component", "autoheal.remediation"),
		policy:     backoff.RemediationPolicy(),
		NetworkFix: networkFix,
		AuthFix:    authFix,
	}
}

// Run executes the action bound to category, if any. A remediation that
// itself fails with a transient kind is re-attempted once under the
// remediation backoff policy. It returns whether a retry of the original
// call is warranted.
func (r *RemediationActions) Run(category Category, clusterHint string) (retry bool) {
	var fn RemediationFn
	switch category {
	case CategoryNetwork:
		fn = r.NetworkFix
	case CategoryAuth:
		fn = r.AuthFix
	default:
		return false
	}
	if fn == nil {
		return false
	}
	err := backoff.Retry(context.Background(), r.policy, 2, func(int) error {
		return fn(clusterHint)
	})
	if err != nil {
		r.logger.Warn("remediation action failed", "category", category, "error", err)
		return false
	}
	return true
}

// DefaultNetworkFix is a placeholder network_fix action; real deployments
// register their own (e.g. a VPN reconnect). It always reports failure so
// the absence of a wired fix never silently appears to succeed.
func DefaultNetworkFix(clusterHint string) error {
	return fmt.Errorf("no network_fix action registered for cluster %q", clusterHint)
}

// DefaultAuthFix is the auth_fix placeholder; see DefaultNetworkFix.
func DefaultAuthFix(clusterHint string) error {
	return fmt.Errorf("no auth_fix action registered for cluster %q", clusterHint)
}
