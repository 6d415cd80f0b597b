// Package config holds the flat key/value configuration shared by the client and the server,
// the interactive quiz that produces it, and typed accessors for the tunnel tuning keys.
package config

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration represents a set of chosen options.
type Configuration map[string]string

// Keys understood by the client and the server. Protocol specific keys are listed with the
// specification of each protocol.
const (
	KeyProtocol  = "protocol"
	KeyAuthToken = "authToken"

	KeyListenAddr  = "listenAddr"
	KeySocksAddr   = "socksAddr"
	KeyBindAddr    = "bindAddr"
	KeyMetricsAddr = "metricsAddr"
	KeyAllow       = "allow"

	KeyChunkSize      = "chunkSize"
	KeyFlushInterval  = "flushInterval"
	KeyConnectTimeout = "connectTimeout"
	KeyDialTimeout    = "dialTimeout"
	KeyIdleTimeout    = "idleTimeout"
	KeyDrainTimeout   = "drainTimeout"
	KeySendRate       = "sendRate"
	KeySendBurst      = "sendBurst"
	KeySendRetries    = "sendRetries"

	KeyLogLevel  = "logLevel"
	KeyLogFormat = "logFormat"
)

// DefaultListenAddr is where the client's HTTP proxy listens when listenAddr is unset.
const DefaultListenAddr = "127.0.0.1:8080"

var (
	intKeys      = []string{KeyChunkSize, KeySendBurst, KeySendRetries}
	floatKeys    = []string{KeySendRate}
	durationKeys = []string{KeyFlushInterval, KeyConnectTimeout, KeyDialTimeout, KeyIdleTimeout, KeyDrainTimeout}
	addrKeys     = []string{KeyListenAddr, KeySocksAddr, KeyBindAddr, KeyMetricsAddr}
)

// JSON returns the prettified JSON representation of a configuration.
func (c Configuration) JSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "	")
}

// YAML returns the YAML representation of a configuration.
func (c Configuration) YAML() ([]byte, error) {
	return yaml.Marshal(map[string]string(c))
}

// Keys returns the configured keys in order.
func (c Configuration) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the value of key, or def when it is unset.
func (c Configuration) String(key, def string) string {
	if v := strings.TrimSpace(c[key]); v != "" {
		return v
	}
	return def
}

// Int returns the integer value of key, or def when it is unset or malformed.
func (c Configuration) Int(key string, def int) int {
	n, err := strconv.Atoi(c.String(key, ""))
	if err != nil {
		return def
	}
	return n
}

// Float returns the float value of key, or def when it is unset or malformed.
func (c Configuration) Float(key string, def float64) float64 {
	f, err := strconv.ParseFloat(c.String(key, ""), 64)
	if err != nil {
		return def
	}
	return f
}

// Duration returns the duration value of key, or def when it is unset or malformed.
func (c Configuration) Duration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(c.String(key, ""))
	if err != nil {
		return def
	}
	return d
}

// List splits a comma separated value into its trimmed, non-empty elements.
func (c Configuration) List(key string) []string {
	var out []string
	for _, v := range strings.Split(c[key], ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
