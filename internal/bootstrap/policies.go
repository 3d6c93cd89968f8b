package bootstrap

import (
	"net/http"

	"switchyard/internal/adapters/config"
	"switchyard/internal/adapters/invoker"
	"switchyard/internal/domain/tool"
	"switchyard/internal/services/admission"
	budgetsvc "switchyard/internal/services/budget"
	"switchyard/internal/services/retry"
	"switchyard/pkg/errors"
	"switchyard/pkg/logger"
)

// policyTargets are the components a policy file configures
type policyTargets struct {
	Admission *admission.Controller
	Retry     *retry.Coordinator
	Budget    *budgetsvc.Guard
	Router    *invoker.Router
	Catalog   *tool.Catalog
	Client    *http.Client // shared by webhook adapters; nil uses the default
}

// applyPolicies installs per-tool overrides. Budgets from the file are
// seeded and never override budgets already stored at runtime.
func applyPolicies(p *config.Policies, t policyTargets, log *logger.Logger) error {
	for _, id := range p.IDs() {
		tp := p.Tools[id]

		if tp.RateLimit != nil {
			t.Admission.SetLimit(id, admission.Limit(*tp.RateLimit))
		}

		if tp.HasRetry() {
			policy, err := tp.RetryOver(t.Retry.Resolve(id))
			if err != nil {
				return err
			}
			if err := t.Retry.SetPolicy(id, policy); err != nil {
				return errors.Wrapf(err, "retry policy for %s", id)
			}
		}

		if tp.Budget != nil {
			t.Budget.Seed(*tp.Budget)
		}

		if tp.Endpoint != "" {
			t.Router.Register(id, invoker.NewWebhook(tp.Endpoint, t.Client))
		}
		if tp.Throttle != nil {
			t.Router.SetThrottle(id, tp.Throttle.RPS, tp.Throttle.Burst)
		}

		if len(tp.Actions) > 0 {
			if err := t.Catalog.Register(tp.Definition()); err != nil {
				return err
			}
		}

		log.Debugw("Tool policy applied",
			"tool_id", id,
			"rate_limit", tp.RateLimit != nil,
			"retry", tp.HasRetry(),
			"budget", tp.Budget != nil,
			"endpoint", tp.Endpoint != "",
			"actions", len(tp.Actions),
		)
	}
	return nil
}
