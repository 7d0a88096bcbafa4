// Package registry resolves the configured (or discovered) applications into
// normalized descriptors.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/fabian4/gateway-composer/internal/model"
)

// LocalDomain is the service-mesh domain applications are reachable under
// when no origin is configured.
const LocalDomain = "plt.local"

// Discoverer returns the ids of sibling applications known to the host
// runtime.
type Discoverer func(ctx context.Context) ([]string, error)

// ConfigurationError is fatal: the gateway refuses to start.
type ConfigurationError struct {
	ID     string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("application %q: %s", e.ID, e.Reason)
}

// Options tunes Resolve.
type Options struct {
	Self string // id of the gateway itself, never proxied to
}

// Resolve returns one descriptor per backend. Configured applications are
// used as given; when none are configured the discover callback is asked for
// sibling ids and each one is mounted at "/{id}".
func Resolve(ctx context.Context, apps []model.Application, discover Discoverer, opts Options) ([]model.Application, error) {
	var out []model.Application
	if len(apps) > 0 {
		out = make([]model.Application, 0, len(apps))
		for _, a := range apps {
			out = append(out, clone(a))
		}
	} else if discover != nil {
		ids, err := discover(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover applications: %w", err)
		}
		sort.Strings(ids)
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" || id == opts.Self {
				continue
			}
			out = append(out, model.Application{ID: id, Proxy: &model.ProxyOptions{Prefix: "/" + id}})
		}
	}

	seen := make(map[string]bool, len(out))
	for i := range out {
		a := &out[i]
		if seen[a.ID] {
			return nil, &ConfigurationError{ID: a.ID, Reason: "duplicate id"}
		}
		seen[a.ID] = true

		if a.Origin == "" {
			a.Origin = MeshOrigin(a.ID)
		}
		if a.OpenAPI == nil && a.GraphQL == nil && a.Proxy == nil {
			a.Proxy = &model.ProxyOptions{Prefix: "/" + a.ID}
		}
		if err := checkTargets(a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MeshOrigin is the internal address of an application with no origin.
func MeshOrigin(id string) string {
	return "http://" + id + "." + LocalDomain
}

// checkTargets rejects an origin and a proxy upstream that point at
// different hosts.
func checkTargets(a *model.Application) error {
	if a.Proxy == nil || a.Proxy.Upstream == "" || a.Origin == MeshOrigin(a.ID) {
		return nil
	}
	o, err := url.Parse(a.Origin)
	if err != nil {
		return &ConfigurationError{ID: a.ID, Reason: "invalid origin: " + err.Error()}
	}
	u, err := url.Parse(a.Proxy.Upstream)
	if err != nil {
		return &ConfigurationError{ID: a.ID, Reason: "invalid proxy upstream: " + err.Error()}
	}
	if !strings.EqualFold(o.Scheme, u.Scheme) || !strings.EqualFold(o.Host, u.Host) {
		return &ConfigurationError{
			ID:     a.ID,
			Reason: fmt.Sprintf("origin %s and proxy upstream %s reference different targets", a.Origin, a.Proxy.Upstream),
		}
	}
	return nil
}

func clone(a model.Application) model.Application {
	if a.Proxy != nil {
		p := *a.Proxy
		a.Proxy = &p
	}
	if a.OpenAPI != nil {
		o := *a.OpenAPI
		a.OpenAPI = &o
	}
	return a
}
