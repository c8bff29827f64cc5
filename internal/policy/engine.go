// Package policy implements the Policy Engine: given a
// caller, host, target, command, and a Policy Set, decide whether the
// action is allowed, whether reauthentication is required, and the
// effective options that apply.
package policy

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/sudosh/sudosh/internal/model"
	"github.com/sudosh/sudosh/internal/sudoers"
	"github.com/sudosh/sudosh/internal/validator"
)

// IdentityResolver is the subset of internal/identity.Resolver the
// engine is built against. Decide uses GroupsOf for '%group' user
// fields; it does not call IsAdmin.
type IdentityResolver interface {
	GroupsOf(ctx context.Context, username string) ([]string, error)
	IsAdmin(ctx context.Context, username string) bool
}

// LocalAddresses returns every local IPv4 address, for CIDR/host
// matching. Backed by gopsutil in production.
type LocalAddresses func() ([]net.IP, error)

// Engine evaluates (caller, host, target, command) against a
// model.PolicySet.
type Engine struct {
	Identity  IdentityResolver
	Addresses LocalAddresses
	Now       func() time.Time
}

func New(identity IdentityResolver, addrs LocalAddresses) *Engine {
	return &Engine{Identity: identity, Addresses: addrs, Now: time.Now}
}

// Decide evaluates the caller/host/runas/command filters in order and
// synthesizes the effective options. cacheValid is the Credential
// Cache's current verdict for the caller; the decision is a pure
// function of its inputs plus the injected clock.
func (e *Engine) Decide(ctx context.Context, caller model.CallerContext, target model.TargetIdentity, command string, set model.PolicySet, cacheValid bool) model.PolicyVerdict {
	rules := append(append([]model.Rule{}, set.LocalRules...), set.DirectoryRules...)
	sudoers.SortRules(rules)

	now := e.now()
	var matching []model.Rule
	var lastSource string

	for _, rule := range rules {
		if !e.withinTimeWindow(rule, now) {
			continue
		}
		if !e.userMatches(ctx, caller, rule) {
			continue
		}
		if !hostMatches(caller, rule, e.localAddresses()) {
			continue
		}
		if !runasMatches(target, rule) {
			continue
		}

		verdict, matched := commandVerdict(command, rule)
		if !matched {
			continue
		}
		if !verdict {
			// A matching negative pattern denies outright.
			return model.PolicyVerdict{Allowed: false, Reason: "denied by negated command pattern", SourceLabel: rule.SourceLabel}
		}
		matching = append(matching, rule)
		lastSource = rule.SourceLabel
	}

	if len(matching) == 0 {
		return model.PolicyVerdict{Allowed: false, Reason: "no matching rule"}
	}

	var opts model.Options
	nopasswd := true
	for _, r := range matching {
		opts.Merge(r.Options)
		if !r.NoPasswd {
			nopasswd = false
		}
	}

	return model.PolicyVerdict{
		Allowed:         true,
		SourceLabel:     lastSource,
		NoPasswd:        nopasswd,
		RequirePassword: e.requiresPassword(caller, command, matching, nopasswd, cacheValid),
		Options:         opts,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) localAddresses() []net.IP {
	if e.Addresses == nil {
		return nil
	}
	addrs, err := e.Addresses()
	if err != nil {
		return nil
	}
	return addrs
}

// withinTimeWindow treats not_before and not_after as a closed
// interval on both ends.
func (e *Engine) withinTimeWindow(rule model.Rule, now time.Time) bool {
	if rule.NotBefore != nil && now.Before(*rule.NotBefore) {
		return false
	}
	if rule.NotAfter != nil && now.After(*rule.NotAfter) {
		return false
	}
	return true
}

// userMatches accepts an exact name, ALL, or group membership via a
// '%' sigil.
func (e *Engine) userMatches(ctx context.Context, caller model.CallerContext, rule model.Rule) bool {
	for _, u := range rule.Users {
		if u == "ALL" || u == caller.RealUser {
			return true
		}
		if strings.HasPrefix(u, "%") {
			group := strings.TrimPrefix(u, "%")
			groups, err := e.groupsOf(ctx, caller.RealUser)
			if err != nil {
				continue
			}
			for _, g := range groups {
				if g == group {
					return true
				}
			}
		}
	}
	return false
}

func (e *Engine) groupsOf(ctx context.Context, username string) ([]string, error) {
	if e.Identity == nil {
		return nil, nil
	}
	return e.Identity.GroupsOf(ctx, username)
}

// hostMatches accepts an exact name, a wildcard glob against the
// short or canonical name, a literal IPv4, or CIDR membership against
// any local address; a leading '!' negates.
func hostMatches(caller model.CallerContext, rule model.Rule, local []net.IP) bool {
	for _, h := range rule.Hosts {
		neg := strings.HasPrefix(h, "!")
		pattern := strings.TrimPrefix(h, "!")
		if matchesOneHost(pattern, caller, local) {
			return !neg
		}
	}
	return false
}

func matchesOneHost(pattern string, caller model.CallerContext, local []net.IP) bool {
	if pattern == "ALL" {
		return true
	}
	if pattern == caller.HostnameShort || pattern == caller.HostnameCanon {
		return true
	}
	if wildcard.Match(pattern, caller.HostnameShort) || wildcard.Match(pattern, caller.HostnameCanon) {
		return true
	}
	if ip := net.ParseIP(pattern); ip != nil {
		for _, l := range local {
			if l.Equal(ip) {
				return true
			}
		}
		return false
	}
	if _, cidr, err := net.ParseCIDR(pattern); err == nil {
		for _, l := range local {
			if cidr.Contains(l) {
				return true
			}
		}
	}
	return false
}

// runasMatches checks the rule's runas coverage; an empty runas_user
// defaults to covering the conventional superuser target.
func runasMatches(target model.TargetIdentity, rule model.Rule) bool {
	runas := rule.RunAsUser
	if runas == "" {
		return target.IsDefault()
	}
	if runas == "ALL" {
		return true
	}
	return runas == target.User
}

// commandVerdict evaluates the rule's command patterns and returns
// (verdict, matched): any matching negated pattern denies, otherwise
// any matching positive pattern allows. matched is false when no
// pattern in the rule applies to this command at all.
func commandVerdict(command string, rule model.Rule) (bool, bool) {
	allowed := false
	for _, pattern := range rule.Commands {
		neg := strings.HasPrefix(pattern, "!")
		p := strings.TrimPrefix(pattern, "!")
		if !matchesCommandPattern(p, command) {
			continue
		}
		if neg {
			return false, true
		}
		allowed = true
	}
	return allowed, allowed
}

func matchesCommandPattern(pattern, command string) bool {
	if pattern == "ALL" {
		return true
	}
	cmdPath := firstToken(command)
	if filepath.IsAbs(pattern) {
		return pattern == cmdPath || pattern == command
	}
	// Relative pattern: compare basenames, glob expands with no
	// path-separator specialness.
	return wildcard.Match(pattern, filepath.Base(cmdPath))
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// requiresPassword decides reauthentication.
// Authentication is required unless a valid cache entry exists and
// nothing else demands a password: a rule lacking nopasswd demands one
// only when no cache entry covers the skip-password window; the
// environment-intent flag demands one unconditionally for
// dangerous/moderate commands; verifypw always/any demands one when no
// cache exists.
func (e *Engine) requiresPassword(caller model.CallerContext, command string, matching []model.Rule, nopasswd, cacheValid bool) bool {
	if !nopasswd && !cacheValid {
		return true
	}
	if caller.EnvironmentIntent && validator.Classify(command) != validator.RiskLow {
		return true
	}
	if cacheValid {
		return false
	}
	for _, r := range matching {
		if r.Options.VerifyPW == "always" || r.Options.VerifyPW == "any" {
			return true
		}
	}
	return false
}

// ParseTimestamp is a small helper for building NotBefore/NotAfter
// from directory-responder string attributes (sudoNotBefore/sudoNotAfter,
// RFC3339 or sudoers' generalized-time form "YYYYMMDDHHMMSSZ").
func ParseTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t
	}
	if t, err := time.Parse("20060102150405Z", s); err == nil {
		return &t
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.Unix(n, 0).UTC()
		return &t
	}
	return nil
}
