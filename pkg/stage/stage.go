package stage

import (
	"net"
	"strings"
)

// Stage is a deployment tier. Every hostname resolves to exactly one stage
// and each stage carries its own group-access policy.
type Stage string

const (
	Dev     Stage = "dev"
	Staging Stage = "staging"
	Prod    Stage = "prod"
)

// Parse maps a configured stage name to a Stage, falling back to Dev.
func Parse(raw string) Stage {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production":
		return Prod
	case "staging", "stage":
		return Staging
	default:
		return Dev
	}
}

// Resolver maps request hostnames to stages. Hostname comparison is
// case-insensitive and ignores any port suffix. Unknown hostnames fall back
// to Default: misclassification cannot grant access on its own because every
// stage is still gated by group membership.
type Resolver struct {
	staging map[string]struct{}
	prod    map[string]struct{}
	def     Stage
}

func NewResolver(stagingHosts, prodHosts []string, def Stage) *Resolver {
	if def == "" {
		def = Dev
	}
	return &Resolver{
		staging: hostSet(stagingHosts),
		prod:    hostSet(prodHosts),
		def:     def,
	}
}

func hostSet(hosts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			set[h] = struct{}{}
		}
	}
	return set
}

func (r *Resolver) ForHostname(hostname string) Stage {
	host := NormalizeHostname(hostname)
	if host == "" {
		return r.def
	}
	if host == "localhost" || host == "127.0.0.1" {
		return r.def
	}
	if _, ok := r.staging[host]; ok {
		return Staging
	}
	if _, ok := r.prod[host]; ok {
		return Prod
	}
	return r.def
}

// NormalizeHostname lowercases and strips an optional port suffix.
func NormalizeHostname(hostname string) string {
	host := strings.ToLower(strings.TrimSpace(hostname))
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// Access holds the per-stage allowed-group lists.
type Access struct {
	allowed map[Stage]map[string]struct{}
}

// NewAccess builds the stage policy from comma-separated group lists.
// Group names are compared verbatim (case-sensitive).
func NewAccess(dev, staging, prod string) *Access {
	return &Access{allowed: map[Stage]map[string]struct{}{
		Dev:     groupSet(dev),
		Staging: groupSet(staging),
		Prod:    groupSet(prod),
	}}
}

func groupSet(csv string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, part := range strings.Split(csv, ",") {
		g := strings.TrimSpace(part)
		if g != "" {
			set[g] = struct{}{}
		}
	}
	return set
}

// HasStageAccess reports whether at least one of groups is allowed on the
// stage. Empty or absent groups always deny: there is no path where a
// principal with zero verified groups is granted access to any stage.
func (a *Access) HasStageAccess(groups []string, s Stage) bool {
	if len(groups) == 0 {
		return false
	}
	allowed, ok := a.allowed[s]
	if !ok || len(allowed) == 0 {
		return false
	}
	for _, g := range groups {
		if _, ok := allowed[g]; ok {
			return true
		}
	}
	return false
}
