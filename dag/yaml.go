package dag

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseYAML decodes a YAML document into a Config and parses it into a DAG.
func ParseYAML(data []byte) (*DAG, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("dag: invalid yaml: %w", err)
	}
	return Parse(cfg)
}
