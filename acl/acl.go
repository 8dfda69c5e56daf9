// Package acl implements the access-control list matcher (C6): given a
// destination Address, decide whether to bypass (dial directly), proxy
// (tunnel through the remote endpoint), or reject a connection.
package acl

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/ocfbnj/ssgo/onet"
)

// Decision is the result of matching a destination against an ACL.
type Decision int

const (
	Bypass Decision = iota
	Proxy
	Reject
)

func (d Decision) String() string {
	switch d {
	case Bypass:
		return "Bypass"
	case Proxy:
		return "Proxy"
	case Reject:
		return "Reject"
	default:
		return "Unknown"
	}
}

// DefaultMode is the fallback decision applied when no list entry matches.
type DefaultMode int

const (
	ProxyAll DefaultMode = iota
	BypassAll
)

// ACL is an immutable §4.6 rule set: CIDR and domain-regex lists for bypass,
// proxy, and outbound-block, plus a default mode. It is safe for concurrent
// use by any number of relay tasks once constructed — nothing in an ACL is
// mutated after Load/Parse returns.
type ACL struct {
	mode DefaultMode

	bypassNets  []*net.IPNet
	proxyNets   []*net.IPNet
	blockedNets []*net.IPNet

	bypassRegexps  []*regexp.Regexp
	proxyRegexps   []*regexp.Regexp
	blockedRegexps []*regexp.Regexp
}

// sectionName identifies which list subsequent lines belong to.
type sectionName int

const (
	sectionNone sectionName = iota
	sectionBypassList
	sectionProxyList
	sectionOutboundBlockList
)

// Load reads and parses an ACL file at path, per §6's ACL file format.
func Load(path string) (*ACL, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, onet.NewError(onet.Config, "failed to open ACL file", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads an ACL document from r. Lines starting with '#' or blank are
// ignored. '[proxy_all]'/'[bypass_all]' set the default mode;
// '[bypass_list]', '[proxy_list]', '[outbound_block_list]' select the active
// list for subsequent entries, each of which is either a CIDR range or
// (failing that) a domain regex.
func Parse(r io.Reader) (*ACL, error) {
	a := &ACL{mode: ProxyAll}
	section := sectionNone

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(line, "["), "]"))
			switch name {
			case "proxy_all":
				a.mode = ProxyAll
				section = sectionNone
			case "bypass_all":
				a.mode = BypassAll
				section = sectionNone
			case "bypass_list":
				section = sectionBypassList
			case "proxy_list":
				section = sectionProxyList
			case "outbound_block_list":
				section = sectionOutboundBlockList
			default:
				return nil, onet.NewError(onet.Config, fmt.Sprintf("unknown ACL section %q", line), nil)
			}
			continue
		}

		if section == sectionNone {
			return nil, onet.NewError(onet.Config, fmt.Sprintf("ACL entry %q outside any section", line), nil)
		}
		if err := a.addEntry(section, line); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, onet.NewError(onet.Io, "failed to read ACL file", err)
	}
	return a, nil
}

func (a *ACL) addEntry(section sectionName, line string) error {
	if _, ipNet, err := net.ParseCIDR(line); err == nil {
		switch section {
		case sectionBypassList:
			a.bypassNets = append(a.bypassNets, ipNet)
		case sectionProxyList:
			a.proxyNets = append(a.proxyNets, ipNet)
		case sectionOutboundBlockList:
			a.blockedNets = append(a.blockedNets, ipNet)
		}
		return nil
	}

	re, err := regexp.Compile(line)
	if err != nil {
		return onet.NewError(onet.Config, fmt.Sprintf("ACL entry %q is neither a CIDR range nor a valid regex", line), err)
	}
	switch section {
	case sectionBypassList:
		a.bypassRegexps = append(a.bypassRegexps, re)
	case sectionProxyList:
		a.proxyRegexps = append(a.proxyRegexps, re)
	case sectionOutboundBlockList:
		a.blockedRegexps = append(a.blockedRegexps, re)
	}
	return nil
}

// Decide applies §4.6's lookup contract to dst. A domain that textually
// parses as an IP literal is matched as an IP, per §4.6 point 3.
func (a *ACL) Decide(dst onet.Address) Decision {
	if dst.IsDomain() {
		if ip := net.ParseIP(dst.Domain); ip != nil {
			return a.decideIP(ip)
		}
		return a.decideDomain(dst.Domain)
	}
	return a.decideIP(dst.IP)
}

func (a *ACL) decideIP(ip net.IP) Decision {
	if matchesAnyNet(a.blockedNets, ip) {
		return Reject
	}
	opposite, agreeing := a.oppositeAndAgreeingNets()
	if matchesAnyNet(opposite, ip) {
		return a.oppositeDecision()
	}
	if matchesAnyNet(agreeing, ip) {
		return a.agreeingDecision()
	}
	return a.defaultDecision()
}

func (a *ACL) decideDomain(domain string) Decision {
	if matchesAnyRegexp(a.blockedRegexps, domain) {
		return Reject
	}
	opposite, agreeing := a.oppositeAndAgreeingRegexps()
	if matchesAnyRegexp(opposite, domain) {
		return a.oppositeDecision()
	}
	if matchesAnyRegexp(agreeing, domain) {
		return a.agreeingDecision()
	}
	return a.defaultDecision()
}

// oppositeAndAgreeingNets returns (opposite-of-default-list, agrees-with-default-list).
func (a *ACL) oppositeAndAgreeingNets() (opposite, agreeing []*net.IPNet) {
	if a.mode == BypassAll {
		return a.proxyNets, a.bypassNets
	}
	return a.bypassNets, a.proxyNets
}

func (a *ACL) oppositeAndAgreeingRegexps() (opposite, agreeing []*regexp.Regexp) {
	if a.mode == BypassAll {
		return a.proxyRegexps, a.bypassRegexps
	}
	return a.bypassRegexps, a.proxyRegexps
}

func (a *ACL) oppositeDecision() Decision {
	if a.mode == BypassAll {
		return Proxy
	}
	return Bypass
}

func (a *ACL) agreeingDecision() Decision {
	return a.defaultDecision()
}

func (a *ACL) defaultDecision() Decision {
	if a.mode == BypassAll {
		return Bypass
	}
	return Proxy
}

func matchesAnyNet(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func matchesAnyRegexp(res []*regexp.Regexp, domain string) bool {
	for _, re := range res {
		if re.MatchString(domain) {
			return true
		}
	}
	return false
}
