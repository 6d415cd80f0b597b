// Package policy decides which targets the server may connect to.
package policy

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/asaskevich/govalidator"

	"github.com/awnumar/courier/router"
)

// ACL allows targets whose host:port matches one of its patterns. An ACL without patterns allows
// every valid target.
type ACL struct {
	patterns []*regexp.Regexp
}

// NewACL compiles patterns. Each pattern is matched against "host:port"; anchor it if a partial
// match is not wanted.
func NewACL(patterns []string) (*ACL, error) {
	acl := &ACL{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile ACL %q: %w", pattern, err)
		}
		acl.patterns = append(acl.patterns, re)
	}
	return acl, nil
}

// Allow implements router.Policy.
func (a *ACL) Allow(host string, port int) error {
	if !govalidator.IsPort(strconv.Itoa(port)) {
		return fmt.Errorf("%w: port %d", router.ErrInvalidTarget, port)
	}
	if !(govalidator.IsDNSName(host) || govalidator.IsIP(host)) {
		return fmt.Errorf("%w: host %q", router.ErrInvalidTarget, host)
	}
	if len(a.patterns) == 0 {
		return nil
	}
	target := net.JoinHostPort(host, strconv.Itoa(port))
	for _, re := range a.patterns {
		if re.MatchString(target) {
			return nil
		}
	}
	return fmt.Errorf("target %s blocked by ACL", target)
}

// Len returns the number of patterns.
func (a *ACL) Len() int {
	return len(a.patterns)
}
