package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/cccs/pkg/taxonomy"
	"github.com/Mindburn-Labs/cccs/pkg/versioning"
)

// Bootstrap brings the runtime into serving state. With a non-nil
// health map the verdict is taken as given; with nil the runtime probes
// each configured adapter's health endpoint, re-checking on the poll
// interval until healthy or the bootstrap timeout elapses. The wait is
// interrupted by ctx or by Shutdown.
//
// Backend mode requires every dependency healthy and fails otherwise;
// edge mode serves degraded, with receipts flagged degraded=true until
// a later Bootstrap succeeds. Version negotiation runs after success.
func (r *Runtime) Bootstrap(ctx context.Context, health map[string]bool) error {
	healthy, unhealthyDep := r.checkHealth(ctx, health)

	if !healthy && health == nil {
		// Probed health can change; poll until the timeout.
		deadline := time.Now().Add(r.bootstrapTimeout)
		for !healthy && time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return r.bootstrapFailure(ctx.Err().Error())
			case <-r.stopCh:
				return r.bootstrapFailure("shutdown during bootstrap")
			case <-time.After(r.pollInterval):
			}
			healthy, unhealthyDep = r.checkHealth(ctx, nil)
		}
	}

	if !healthy {
		if r.mode == ModeBackend {
			return r.bootstrapFailure(fmt.Sprintf("dependency %q unhealthy", unhealthyDep))
		}
		r.depsReady.Store(false)
		r.bootstrapped.Store(true)
		r.logger.Warn("serving degraded", "mode", r.mode, "unhealthy_dependency", unhealthyDep)
		return nil
	}

	if err := r.negotiateVersion(ctx); err != nil {
		return err
	}

	r.depsReady.Store(true)
	r.bootstrapped.Store(true)
	r.logger.Info("bootstrap complete", "mode", r.mode, "version", r.version)
	return nil
}

// checkHealth evaluates the supplied health map, or probes the
// configured adapters when the map is nil. It returns the overall
// verdict and the first unhealthy dependency name.
func (r *Runtime) checkHealth(ctx context.Context, health map[string]bool) (bool, string) {
	if health != nil {
		for dep, ok := range health {
			if !ok {
				return false, dep
			}
		}
		return true, ""
	}

	probes := map[string]func(context.Context) error{}
	if r.identityClient != nil {
		probes["identity"] = r.identityClient.Health
	}
	if r.policyClient != nil {
		probes["policy"] = r.policyClient.Health
	}
	if r.budgetClient != nil {
		probes["budget"] = r.budgetClient.Health
	}
	if r.signingClient != nil {
		probes["signing"] = r.signingClient.Health
	}
	if r.indexerClient != nil {
		probes["indexer"] = r.indexerClient.Health
	}

	for dep, probe := range probes {
		if err := probe(ctx); err != nil {
			r.logger.Warn("dependency unhealthy", "dependency", dep, "error", err)
			return false, dep
		}
	}
	return true, ""
}

// negotiateVersion settles the contract version with the policy
// backend. Without a policy adapter the runtime's own version stands.
func (r *Runtime) negotiateVersion(ctx context.Context) error {
	if r.policyClient == nil {
		return nil
	}
	peer, err := r.policyClient.NegotiateVersion(ctx, []string{r.version})
	if err != nil {
		r.logger.Warn("version negotiation unavailable", "error", err)
		return nil
	}
	if _, err := versioning.Negotiate(r.version, peer); err != nil {
		return err
	}
	return nil
}

func (r *Runtime) bootstrapFailure(detail string) error {
	return taxonomy.Wrap(taxonomy.CodePolicyUnavailable,
		taxonomy.NewError(taxonomy.CodeBootstrapTimeout, detail))
}
