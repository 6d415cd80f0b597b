package policy

import (
	"errors"
	"testing"

	"github.com/matryer/is"

	"github.com/awnumar/courier/router"
)

func TestACL(t *testing.T) {
	acl, err := NewACL([]string{`^[a-z0-9.-]+\.example\.com:443$`, `^127\.0\.0\.1:\d+$`, "  "})
	if err != nil {
		t.Fatal(err)
	}
	if acl.Len() != 2 {
		t.Fatalf("got %d patterns, want 2", acl.Len())
	}

	tests := []struct {
		host    string
		port    int
		allowed bool
		invalid bool
	}{
		{"www.example.com", 443, true, false},
		{"www.example.com", 80, false, false},
		{"example.org", 443, false, false},
		{"127.0.0.1", 8080, true, false},
		{"10.0.0.1", 22, false, false},
		{"bad host", 443, false, true},
		{"www.example.com", 0, false, true},
		{"www.example.com", 70000, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.host, func(t *testing.T) {
			is := is.New(t)
			err := acl.Allow(tc.host, tc.port)
			is.Equal(err == nil, tc.allowed)
			is.Equal(errors.Is(err, router.ErrInvalidTarget), tc.invalid)
		})
	}
}

func TestEmptyACLAllowsValidTargets(t *testing.T) {
	is := is.New(t)
	acl, err := NewACL(nil)
	is.NoErr(err)
	is.NoErr(acl.Allow("example.test", 80))
	is.NoErr(acl.Allow("::1", 8080))
	is.True(errors.Is(acl.Allow("", 80), router.ErrInvalidTarget))
}

func TestBadPattern(t *testing.T) {
	is := is.New(t)
	_, err := NewACL([]string{"("})
	is.True(err != nil)
}
