package config

import (
	"errors"
	"strconv"
	"strings"

	"github.com/asaskevich/govalidator"
)

// Keys of the redis protocol.
const (
	KeyRedisAddr     = "redisAddr"
	KeyRedisPassword = "redisPassword"
	KeyRedisDB       = "redisDB"
	KeyRedisPrefix   = "redisPrefix"
)

var redis = specification{
	protocol: "redis",
	options: []option{
		{
			key:     KeyRedisAddr,
			prompt:  "Enter the host:port of the redis server both sides can reach.\n> ",
			process: dialString,
		},
		{
			key:      KeyRedisPassword,
			prompt:   "Enter the redis password. Leave empty if none is required.\n> ",
			optional: true,
			process:  func(resp string) (string, error) { return resp, nil },
		},
		{
			key:      KeyRedisDB,
			prompt:   "Enter the redis database number. Leave empty for 0.\n> ",
			optional: true,
			process: func(resp string) (string, error) {
				if n, err := strconv.Atoi(resp); err != nil || n < 0 {
					return "", errors.New("must be a non-negative number")
				}
				return resp, nil
			},
		},
		{
			key:      KeyRedisPrefix,
			prompt:   "Enter a key prefix for the message lists. Leave empty for the default.\n> ",
			optional: true,
			process: func(resp string) (string, error) {
				if !govalidator.IsPrintableASCII(resp) || strings.ContainsAny(resp, " \t") {
					return "", errors.New("must be printable ASCII without spaces")
				}
				return resp, nil
			},
		},
	},
}

func dialString(resp string) (string, error) {
	if !govalidator.IsDialString(resp) {
		return "", errors.New("must be a host:port address")
	}
	return resp, nil
}
