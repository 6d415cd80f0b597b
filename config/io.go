package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	"lukechampine.com/frand"
)

// LoadConfig loads a configuration from a JSON or YAML file, chosen by its extension.
func LoadConfig(path string) (Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	conf, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return conf, verify(conf)
}

// Parse decodes a configuration. ext selects the format: ".yaml" and ".yml" are YAML, anything
// else is JSON. YAML scalars of any type are kept as their text and sequences are joined with
// commas.
func Parse(data []byte, ext string) (Configuration, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		conf := make(Configuration, len(raw))
		for k, v := range raw {
			conf[k] = scalar(v)
		}
		return conf, nil
	default:
		var conf Configuration
		if err := json.Unmarshal(data, &conf); err != nil {
			return nil, err
		}
		if conf == nil {
			conf = make(Configuration)
		}
		return conf, nil
	}
}

func scalar(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = scalar(e)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}

func writeConfig(config Configuration) (string, error) {
	data, err := config.JSON()
	if err != nil {
		return "", err
	}
	filename, err := filepath.Abs(randConfigFileName())
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return filename, err
	}
	return filename, nil
}

func randConfigFileName() string {
	return base64.RawURLEncoding.EncodeToString(frand.Bytes(6)) + ".json"
}
