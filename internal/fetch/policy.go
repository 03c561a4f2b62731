package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/mohammad-safakhou/askace/config"
)

// HostPolicy holds the per-host fetch rules. A rule for a domain also
// covers its subdomains.
type HostPolicy struct {
	deny  map[string]struct{}
	proxy map[string]struct{}
}

func NewHostPolicy(cfg config.FetchConfig) HostPolicy {
	return HostPolicy{deny: hostSet(cfg.DenyHosts), proxy: hostSet(cfg.ProxyHosts)}
}

// Empty reports whether the policy has no rules.
func (p HostPolicy) Empty() bool { return len(p.deny) == 0 && len(p.proxy) == 0 }

// Denied reports whether raw must not be fetched.
func (p HostPolicy) Denied(raw string) bool { return matchHost(p.deny, raw) }

// Proxied reports whether raw must go through the reader proxy.
func (p HostPolicy) Proxied(raw string) bool { return matchHost(p.proxy, raw) }

func matchHost(set map[string]struct{}, raw string) bool {
	if len(set) == 0 {
		return false
	}
	host := normalizeHost(raw)
	for host != "" {
		if _, ok := set[host]; ok {
			return true
		}
		_, parent, found := strings.Cut(host, ".")
		if !found || !strings.Contains(parent, ".") {
			return false
		}
		host = parent
	}
	return false
}

func hostSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if h := normalizeHost(item); h != "" {
			set[h] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// normalizeHost accepts a bare host or a URL.
func normalizeHost(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}
	if strings.Contains(value, "://") {
		u, err := url.Parse(value)
		if err != nil {
			return ""
		}
		value = u.Hostname()
	}
	return strings.TrimPrefix(value, "www.")
}

type guarded struct {
	next  Fetcher
	hosts HostPolicy
}

// Guard refuses URLs the policy denies before they reach next.
func Guard(next Fetcher, hosts HostPolicy) Fetcher {
	return &guarded{next: next, hosts: hosts}
}

func (g *guarded) Fetch(ctx context.Context, raw string) (Result, error) {
	if g.hosts.Denied(raw) {
		return Result{URL: raw}, fetchErr(raw, fmt.Errorf("host denied by fetch policy"))
	}
	return g.next.Fetch(ctx, raw)
}
