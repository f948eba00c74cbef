// Package registry resolves logical service names to network endpoints.
//
// Endpoints are read once from the environment at process start and are
// immutable afterwards. Internal ports are fixed per service role; external
// ports exist only for developer access and never appear on runtime code
// paths. Resolution is total: an unknown name fails, never defaults to
// localhost.
package registry

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/agent-foundry/foundry-core/platform/fault"
)

// Logical service names the runtime depends on.
const (
	ServiceSecrets    = "secrets"
	ServiceAuthz      = "authz"
	ServiceToolServer = "toolserver"
	ServiceRedis      = "redis"
	ServicePostgres   = "postgres"
	ServiceOTLP       = "otlp"
)

// internalPorts fixes the internal port per service role.
var internalPorts = map[string]int{
	ServiceSecrets:    8200,
	ServiceAuthz:      8443,
	ServiceToolServer: 8090,
	ServiceRedis:      6379,
	ServicePostgres:   5432,
	ServiceOTLP:       4317,
}

// Endpoint is a resolved network address.
type Endpoint struct {
	Host string
	Port int
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// URL returns an http base URL for the endpoint.
func (e Endpoint) URL() string {
	return "http://" + e.Addr()
}

// Registry maps logical service names to endpoints. Immutable after boot.
type Registry struct {
	endpoints map[string]Endpoint
}

// LookupFunc reads one environment variable; it matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// FromEnv builds a registry from FOUNDRY_SVC_<NAME>_HOST and optional
// FOUNDRY_SVC_<NAME>_PORT variables. A service with a host and no port gets
// the fixed internal port for its role; a service role without a host entry
// is simply absent and will fail at Resolve time.
func FromEnv(lookup LookupFunc) (*Registry, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	endpoints := make(map[string]Endpoint, len(internalPorts))
	for name, defaultPort := range internalPorts {
		envName := strings.ToUpper(name)
		host, ok := lookup("FOUNDRY_SVC_" + envName + "_HOST")
		if !ok || host == "" {
			continue
		}
		port := defaultPort
		if raw, ok := lookup("FOUNDRY_SVC_" + envName + "_PORT"); ok && raw != "" {
			p, err := strconv.Atoi(raw)
			if err != nil || p <= 0 || p > 65535 {
				return nil, fault.New(fault.KindConfiguration,
					"invalid port %q for service %q", raw, name)
			}
			port = p
		}
		endpoints[name] = Endpoint{Host: host, Port: port}
	}
	return &Registry{endpoints: endpoints}, nil
}

// New builds a registry from a fixed endpoint map. Used in tests and by
// local single-process deployments.
func New(endpoints map[string]Endpoint) *Registry {
	cp := make(map[string]Endpoint, len(endpoints))
	for k, v := range endpoints {
		cp[k] = v
	}
	return &Registry{endpoints: cp}
}

// Resolve returns the endpoint for a logical service name.
// Unknown names fail with a configuration fault.
func (r *Registry) Resolve(name string) (Endpoint, error) {
	ep, ok := r.endpoints[name]
	if !ok {
		return Endpoint{}, fault.New(fault.KindConfiguration,
			"service %q is not configured", name)
	}
	return ep, nil
}

// Names returns the configured service names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	return names
}
