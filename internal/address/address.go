// Package address parses and formats AMP addresses of the form
// name@[scope.]tenant.provider.
package address

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	// LegacyProvider is the provider literal used by early mesh deployments.
	LegacyProvider = "aimaestro.local"

	// LocalSuffix marks any provider domain as belonging to the private mesh.
	LocalSuffix = ".local"
)

var ErrInvalidAddress = errors.New("invalid address")

// Address is a parsed AMP address.
type Address struct {
	Name     string `json:"name"`
	Tenant   string `json:"tenant"`
	Provider string `json:"provider"`
	Scope    string `json:"scope,omitempty"`
}

// String formats the address including its scope.
func (a Address) String() string {
	return FormatScoped(a.Name, a.Scope, a.Tenant, a.Provider)
}

// Codec parses addresses against a set of known provider domains. A known
// provider may span any number of labels; the boundary is never inferred from
// a label count when a configured provider matches.
type Codec struct {
	providers []string
}

// NewCodec creates a codec for the given provider domains. The legacy
// provider is always known.
func NewCodec(providers ...string) *Codec {
	seen := map[string]bool{}
	var list []string
	for _, p := range append(providers, LegacyProvider) {
		p = strings.ToLower(strings.Trim(strings.TrimSpace(p), "."))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		list = append(list, p)
	}
	// Longest first so nested providers win over their parents.
	sort.Slice(list, func(i, j int) bool { return len(list[i]) > len(list[j]) })
	return &Codec{providers: list}
}

// Parse splits an address into its parts.
func (c *Codec) Parse(addr string) (Address, error) {
	name, domain, ok := strings.Cut(strings.TrimSpace(addr), "@")
	if !ok {
		return Address{}, fmt.Errorf("%w: missing @ in %q", ErrInvalidAddress, addr)
	}
	if name == "" {
		return Address{}, fmt.Errorf("%w: empty name in %q", ErrInvalidAddress, addr)
	}
	domain = strings.ToLower(domain)
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return Address{}, fmt.Errorf("%w: %q needs at least two domain labels", ErrInvalidAddress, addr)
	}
	for _, l := range labels {
		if l == "" {
			return Address{}, fmt.Errorf("%w: empty domain label in %q", ErrInvalidAddress, addr)
		}
	}

	provider, rest := c.splitProvider(domain, labels)
	if len(rest) == 0 {
		return Address{}, fmt.Errorf("%w: %q has no tenant", ErrInvalidAddress, addr)
	}

	return Address{
		Name:     name,
		Tenant:   rest[len(rest)-1],
		Provider: provider,
		Scope:    strings.Join(rest[:len(rest)-1], "."),
	}, nil
}

// splitProvider returns the provider and the labels preceding it.
func (c *Codec) splitProvider(domain string, labels []string) (string, []string) {
	for _, p := range c.providers {
		if domain == p {
			return p, nil
		}
		if strings.HasSuffix(domain, "."+p) {
			rest := strings.TrimSuffix(domain, "."+p)
			return p, strings.Split(rest, ".")
		}
	}

	// Unknown provider: take the trailing two labels when there is room for a
	// tenant, otherwise the last label.
	n := 1
	if len(labels) >= 3 {
		n = 2
	}
	return strings.Join(labels[len(labels)-n:], "."), labels[:len(labels)-n]
}

// Format produces name@tenant.provider.
func Format(name, tenant, provider string) string {
	return name + "@" + tenant + "." + provider
}

// FormatScoped produces name@scope.tenant.provider, omitting an empty scope.
func FormatScoped(name, scope, tenant, provider string) string {
	if scope == "" {
		return Format(name, tenant, provider)
	}
	return name + "@" + scope + "." + tenant + "." + provider
}

// IsLocalProvider reports whether provider belongs to this mesh.
func IsLocalProvider(provider, configuredDomain string) bool {
	provider = strings.ToLower(provider)
	if configuredDomain != "" && provider == strings.ToLower(configuredDomain) {
		return true
	}
	if provider == LegacyProvider {
		return true
	}
	return strings.HasSuffix(provider, LocalSuffix)
}

// BareName returns the local part of an address, or the input when it has no @.
func BareName(addr string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(addr), "@")
	return name
}
