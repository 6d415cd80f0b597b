package config

import (
	"encoding/base64"

	"lukechampine.com/frand"
)

func generateAuthToken() string {
	return randString(32)
}

func randString(length int) string {
	return base64.RawStdEncoding.EncodeToString(frand.Bytes(length))
}
