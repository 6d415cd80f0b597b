package config

import (
	"errors"
	"strings"

	"github.com/asaskevich/govalidator"
)

// Keys of the https and wss protocols.
const (
	KeyProxyAddr     = "proxyAddr"
	KeyHostname      = "hostname"
	KeyEmail         = "email"
	KeyRootCA        = "rootCA"
	KeyTLSCert       = "tlsCert"
	KeyTLSKey        = "tlsKey"
	KeyTLSMaxVersion = "tlsMaxVersion"
	KeyStaticDir     = "staticDir"
)

var https = specification{
	protocol: "https",
	options: []option{
		{
			key:     KeyProxyAddr,
			prompt:  "Enter the address that the client will use to connect to the proxy server.\nIt must start with https://\n> ",
			process: urlWithScheme("https://"),
		},
		hostnameOption,
		emailOption,
		rootCAOption,
		tlsMaxVersionOption,
	},
}

var hostnameOption = option{
	key:    KeyHostname,
	prompt: "Enter the public hostname that your server will be accessible from.\nThis will be used for TLS certificate provisioning.\n> ",
	process: func(resp string) (string, error) {
		if !govalidator.IsDNSName(resp) {
			return "", errors.New("input must be a DNS hostname")
		}
		return resp, nil
	},
}

var emailOption = option{
	key:    KeyEmail,
	prompt: "Enter an email for LetsEncrypt registration.\nThis will be used when provisioning a TLS certificate.\n> ",
	process: func(resp string) (string, error) {
		if !govalidator.IsEmail(resp) {
			return "", errors.New("input must be an email address")
		}
		return resp, nil
	},
}

var rootCAOption = option{
	key:      KeyRootCA,
	prompt:   "Enter the absolute path of a PEM root certificate the client should pin.\nLeave empty to trust the system roots.\n> ",
	optional: true,
	process: func(resp string) (string, error) {
		if ok, _ := govalidator.IsFilePath(resp); !ok {
			return "", errors.New("input must be an absolute file path")
		}
		return resp, nil
	},
}

var tlsMaxVersionOption = option{
	key:     KeyTLSMaxVersion,
	prompt:  "Set the maximum TLS version that should be used, 1.2 or 1.3\n> ",
	process: tlsVersion,
}

func tlsVersion(resp string) (string, error) {
	if resp != "1.2" && resp != "1.3" {
		return "", errors.New("input must be one of 1.2 or 1.3")
	}
	return resp, nil
}

func urlWithScheme(schemes ...string) func(string) (string, error) {
	return func(resp string) (string, error) {
		if !govalidator.IsURL(resp) {
			return "", errors.New("input must be an URL")
		}
		for _, scheme := range schemes {
			if strings.HasPrefix(resp, scheme) {
				return resp, nil
			}
		}
		return "", errors.New("input must start with " + strings.Join(schemes, " or "))
	}
}
