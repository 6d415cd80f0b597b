package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

var errBadRequest = errors.New("bad proxy request")

// hop-by-hop headers addressed to the proxy, dropped before forwarding
var proxyHeaders = []string{"Proxy-Connection", "Proxy-Authorization", "Keep-Alive", "Connection"}

// request is the head of a proxy request.
type request struct {
	method string
	host   string
	port   int

	// head is the rewritten request head forwarded to the target. It is empty for CONNECT.
	head []byte
}

func (r *request) tunnel() bool {
	return r.method == "CONNECT"
}

func (r *request) target() string {
	return net.JoinHostPort(r.host, strconv.Itoa(r.port))
}

// readRequest reads a request head from br. The body, if any, stays in br.
func readRequest(br *bufio.Reader) (*request, error) {
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	parts := strings.Split(line, " ")
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fmt.Errorf("%w: malformed request line %q", errBadRequest, line)
	}
	method, uri, proto := parts[0], parts[1], parts[2]

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}

	if method == "CONNECT" {
		host, port, err := splitTarget(uri, 0)
		if err != nil {
			return nil, err
		}
		return &request{method: method, host: host, port: port}, nil
	}

	u, err := url.ParseRequestURI(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	authority := u.Host
	if authority == "" {
		authority = header.Get("Host")
	} else if u.Scheme != "http" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", errBadRequest, u.Scheme)
	}
	if authority == "" {
		return nil, fmt.Errorf("%w: no target host", errBadRequest)
	}
	host, port, err := splitTarget(authority, 80)
	if err != nil {
		return nil, err
	}
	if header.Get("Host") == "" {
		header.Set("Host", authority)
	}
	for _, h := range proxyHeaders {
		header.Del(h)
	}
	// one request per stream: the target closes after answering
	header.Set("Connection", "close")

	return &request{
		method: method,
		host:   host,
		port:   port,
		head:   writeHead(method, u.RequestURI(), proto, header),
	}, nil
}

// splitTarget splits an authority into host and port. Without a port, defaultPort is used; a zero
// defaultPort makes the port mandatory.
func splitTarget(authority string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		if defaultPort == 0 {
			return "", 0, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		host, portStr = strings.Trim(authority, "[]"), strconv.Itoa(defaultPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 || host == "" {
		return "", 0, fmt.Errorf("%w: invalid target %q", errBadRequest, authority)
	}
	return host, port, nil
}

func writeHead(method, uri, proto string, header textproto.MIMEHeader) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\n", method, uri, proto)
	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range header[k] {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	return b.Bytes()
}
