package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Verify checks that the configuration names a known protocol, carries the keys that protocol
// needs and that every tuning value parses.
func Verify(conf Configuration) error {
	return verify(conf)
}

func verify(conf Configuration) error {
	var errs []error
	fail := func(key, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalid, key, fmt.Sprintf(format, args...)))
	}

	protocol := conf[KeyProtocol]
	spec, ok := specFor(protocol)
	switch {
	case protocol == "":
		fail(KeyProtocol, "must be specified")
	case !ok:
		fail(KeyProtocol, "unknown protocol %q, choose from {%s}", protocol, strings.Join(protocols(), ", "))
	}
	if conf[KeyAuthToken] == "" {
		fail(KeyAuthToken, "must be specified")
	}

	for _, o := range spec.options {
		v := strings.TrimSpace(conf[o.key])
		if v == "" {
			continue
		}
		if _, err := o.process(v); err != nil {
			fail(o.key, "%v", err)
		}
	}
	if v := conf[KeyTLSMaxVersion]; v != "" {
		if _, err := tlsVersion(v); err != nil {
			fail(KeyTLSMaxVersion, "%v", err)
		}
	}

	for _, k := range intKeys {
		if v := conf.String(k, ""); v != "" {
			if n, err := strconv.Atoi(v); err != nil || n < 0 {
				fail(k, "must be a non-negative integer")
			}
		}
	}
	for _, k := range floatKeys {
		if v := conf.String(k, ""); v != "" && !govalidator.IsFloat(v) {
			fail(k, "must be a number")
		}
	}
	for _, k := range durationKeys {
		if v := conf.String(k, ""); v != "" {
			if d, err := time.ParseDuration(v); err != nil || d < 0 {
				fail(k, "must be a duration such as 500ms or 10s")
			}
		}
	}
	for _, k := range addrKeys {
		if v := conf.String(k, ""); v != "" && !isListenAddr(v) {
			fail(k, "must be a host:port address")
		}
	}

	switch conf.String(KeyLogLevel, "info") {
	case "debug", "info", "warn", "error":
	default:
		fail(KeyLogLevel, "must be one of debug, info, warn, error")
	}
	switch conf.String(KeyLogFormat, "console") {
	case "console", "json":
	default:
		fail(KeyLogFormat, "must be console or json")
	}
	return errors.Join(errs...)
}

// isListenAddr accepts host:port as well as :port.
func isListenAddr(addr string) bool {
	if strings.HasPrefix(addr, ":") {
		return govalidator.IsPort(addr[1:])
	}
	return govalidator.IsDialString(addr)
}
