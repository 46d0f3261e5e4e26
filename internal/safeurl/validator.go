// Package safeurl validates externally supplied URLs before the pipeline
// fetches them. It layers string checks, private-range checks, and a
// forward-DNS re-check so a hostname cannot rebind to a forbidden address
// after the literal checks pass.
package safeurl

import (
	"context"
	"net"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Result is the outcome of a validation pass. Reason is set only when the
// URL was denied.
type Result struct {
	Allowed bool
	Reason  string
}

// Resolver performs forward A-record resolution for the rebinding check.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

type systemResolver struct{}

func (systemResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// Validator applies the ordered deny checks. The zero value is not usable;
// construct with New.
type Validator struct {
	resolver Resolver
	logger   *zap.Logger
}

// Option customizes a Validator.
type Option func(*Validator)

// WithResolver overrides the DNS resolver, mainly for tests.
func WithResolver(r Resolver) Option {
	return func(v *Validator) { v.resolver = r }
}

// New builds a Validator using the system resolver unless overridden.
func New(logger *zap.Logger, opts ...Option) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Validator{
		resolver: systemResolver{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var privateNets = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"0.0.0.0/8",
	"fc00::/7",
	"fe80::/10",
	"::1/128",
)

// metadataHosts are cloud metadata service names and addresses matched by
// substring against the hostname.
var metadataHosts = []string{
	"169.254.169.254",
	"metadata.google.internal",
	"metadata.goog",
	"instance-data",
	"100.100.100.200",
}

var loopbackLiterals = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
	"[::1]":     {},
	"0.0.0.0":   {},
	"::":        {},
	"[::]":      {},
}

// dangerousMarkers deny URLs that smuggle non-fetch schemes or inline
// script anywhere in the string.
var dangerousMarkers = []string{
	"javascript:",
	"data:",
	"file:",
	"<script",
}

// Validate applies the deny checks in order; the first failure wins.
// DNS resolution failure is not a denial: the target may be IPv6-only or
// transiently unreachable, so it is logged and validation continues.
func (v *Validator) Validate(ctx context.Context, rawURL string) Result {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return deny("invalid URL")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return deny("scheme must be http or https")
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return deny("missing host")
	}

	if _, ok := loopbackLiterals[host]; ok {
		return deny("loopback or unspecified host")
	}

	if ip := net.ParseIP(host); ip != nil && inPrivateRange(ip) {
		return deny("private or link-local address")
	}

	for _, meta := range metadataHosts {
		if strings.Contains(host, meta) {
			return deny("cloud metadata endpoint")
		}
	}

	if net.ParseIP(host) == nil {
		if denied, reason := v.checkResolved(ctx, host); denied {
			return deny(reason)
		}
	}

	if parsed.User != nil {
		return deny("credentials embedded in URL")
	}
	if containsDangerousMarker(rawURL) {
		return deny("dangerous scheme or markup in URL")
	}

	return Result{Allowed: true}
}

// containsDangerousMarker scans both the raw URL and a percent-decoded
// copy, so encoded payloads like %3Cscript%3E cannot slip past the
// string match.
func containsDangerousMarker(rawURL string) bool {
	candidates := []string{strings.ToLower(rawURL)}
	if decoded, err := url.QueryUnescape(rawURL); err == nil {
		candidates = append(candidates, strings.ToLower(decoded))
	}
	for _, marker := range dangerousMarkers {
		for _, candidate := range candidates {
			if strings.Contains(candidate, marker) {
				return true
			}
		}
	}
	return false
}

// checkResolved re-validates every resolved IPv4 address against the
// private and metadata ranges to defend against DNS rebinding.
func (v *Validator) checkResolved(ctx context.Context, host string) (bool, string) {
	addrs, err := v.resolver.LookupIP(ctx, host)
	if err != nil {
		v.logger.Debug("dns resolution failed during validation",
			zap.String("host", host), zap.Error(err))
		return false, ""
	}
	for _, addr := range addrs {
		if inPrivateRange(addr) {
			return true, "hostname resolves to private address"
		}
		for _, meta := range metadataHosts {
			if addr.String() == meta {
				return true, "hostname resolves to metadata address"
			}
		}
	}
	return false, ""
}

// Sanitize strips embedded credentials and normalizes the URL for logging
// and storage. It never denies; unparseable input is returned as given.
func Sanitize(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}
	parsed.User = nil
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	if parsed.Scheme == "http" {
		parsed.Host = strings.TrimSuffix(parsed.Host, ":80")
	}
	if parsed.Scheme == "https" {
		parsed.Host = strings.TrimSuffix(parsed.Host, ":443")
	}
	parsed.Fragment = ""
	parsed.RawQuery = parsed.Query().Encode()
	return parsed.String()
}

func deny(reason string) Result {
	return Result{Allowed: false, Reason: reason}
}

func inPrivateRange(ip net.IP) bool {
	for _, network := range privateNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		nets = append(nets, network)
	}
	return nets
}
