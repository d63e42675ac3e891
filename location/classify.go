package location

import (
	"net"
	"regexp"
	"strings"
)

// IsIPLiteral reports whether name is an IPv4 or IPv6 literal, with or without a port.
func IsIPLiteral(name string) bool {
	return net.ParseIP(hostPart(name)) != nil
}

// MatchesPattern reports whether re matches name. A nil pattern matches nothing.
func MatchesPattern(re *regexp.Regexp, name string) bool {
	return re != nil && re.MatchString(name)
}

// CompilePattern compiles an optional pattern anchored at both ends, so it
// must match a whole name. The empty string yields nil.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile("^(?:" + pattern + ")$")
}

// Classify splits names into IP literals and hostnames, keeping their order.
func Classify(names []string) (ips []string, hostnames []string) {
	for _, name := range names {
		if name == "" {
			continue
		}
		if IsIPLiteral(name) {
			ips = append(ips, name)
		} else {
			hostnames = append(hostnames, name)
		}
	}
	return ips, hostnames
}

// hostPart strips an optional port and IPv6 brackets.
func hostPart(name string) string {
	if h, _, err := net.SplitHostPort(name); err == nil {
		return h
	}
	return strings.Trim(name, "[]")
}
