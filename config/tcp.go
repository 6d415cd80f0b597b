package config

import (
	"errors"

	"github.com/asaskevich/govalidator"
)

// Keys of the tcp protocol.
const (
	KeyServerAddr = "serverAddr"
	KeyServerPort = "serverPort"
)

var tcp = specification{
	protocol: "tcp",
	options: []option{
		{
			key:     KeyServerAddr,
			prompt:  "Enter the hostname or IP address of the server.\n> ",
			process: hostOrIP,
		},
		{
			key:     KeyServerPort,
			prompt:  "Enter the port that the server will listen on.\n> ",
			process: port,
		},
	},
}

func hostOrIP(resp string) (string, error) {
	if !(govalidator.IsDNSName(resp) || govalidator.IsIP(resp)) {
		return "", errors.New("must be a valid hostname or IP address")
	}
	return resp, nil
}

func port(resp string) (string, error) {
	if !govalidator.IsPort(resp) {
		return "", errors.New("must be a valid port number in the range 1-65535")
	}
	return resp, nil
}
