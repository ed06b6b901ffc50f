package proxyvisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// readEnvFile loads KEY=value pairs from a dotenv, JSON or YAML file. JSON
// and YAML files must hold a flat mapping of scalars.
func readEnvFile(path string) (map[string]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return flattenEnv(path, raw)
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return flattenEnv(path, raw)
	default:
		return godotenv.Read(path)
	}
}

func flattenEnv(path string, raw map[string]any) (map[string]string, error) {
	vars := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			vars[k] = ""
		case string:
			vars[k] = val
		case bool, int, int64, float64:
			vars[k] = fmt.Sprint(val)
		default:
			return nil, fmt.Errorf("%s: value of %s is not a scalar", path, k)
		}
	}
	return vars, nil
}

// envLines renders vars as sorted KEY=value entries.
func envLines(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}
