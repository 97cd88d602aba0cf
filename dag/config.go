package dag

import (
	"encoding/json"
	"fmt"
)

// Config is the tree-structured document a DAG is parsed from (spec §6):
// decodable from JSON via encoding/json or from YAML via gopkg.in/yaml.v3
// (both use these same struct tags).
type Config struct {
	Name        string            `json:"name" yaml:"name"`
	Blocks      []BlockConfig     `json:"blocks" yaml:"blocks"`
	Edges       []EdgeConfig      `json:"edges" yaml:"edges"`
	Entrypoints []string          `json:"entrypoints,omitempty" yaml:"entrypoints,omitempty"`
	Terminals   []string          `json:"terminals,omitempty" yaml:"terminals,omitempty"`
}

type BlockConfig struct {
	ID            string                    `json:"id" yaml:"id"`
	DisplayName   string                    `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Mode          string                    `json:"mode" yaml:"mode"`
	Inputs        map[string]PortConfig     `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs       map[string]PortConfig     `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Agent         *AgentRefConfig           `json:"agent,omitempty" yaml:"agent,omitempty"`
	Deterministic *DeterministicConfig      `json:"deterministic,omitempty" yaml:"deterministic,omitempty"`
	PreGates      []GateConfig              `json:"pre_gates,omitempty" yaml:"pre_gates,omitempty"`
	PostGates     []GateConfig              `json:"post_gates,omitempty" yaml:"post_gates,omitempty"`
	GateComposition *GateCompositionConfig  `json:"gate_composition,omitempty" yaml:"gate_composition,omitempty"`
	OnGateFail    []OnGateFailConfig        `json:"on_gate_fail,omitempty" yaml:"on_gate_fail,omitempty"`
	Retry         *RetryConfig              `json:"retry,omitempty" yaml:"retry,omitempty"`
	Approval      *ApprovalConfig           `json:"approval,omitempty" yaml:"approval,omitempty"`
	TimeoutMs     int64                     `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	StrictOutput  *bool                     `json:"strict_output,omitempty" yaml:"strict_output,omitempty"`
	ContractRepairAttempts *int             `json:"contract_repair_attempts,omitempty" yaml:"contract_repair_attempts,omitempty"`
}

// PortConfig accepts either the shorthand string type ("string") or the
// full object form ({type, required, description, default}) (spec §4.1
// step 2).
type PortConfig struct {
	Type        string      `json:"type" yaml:"type"`
	Required    *bool       `json:"required,omitempty" yaml:"required,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Default     interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	HasDefault  bool        `json:"-" yaml:"-"`
}

func (p *PortConfig) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		p.Type = s
		return nil
	}
	type alias PortConfig
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = PortConfig(a)
	p.HasDefault = hasJSONKey(data, "default")
	return nil
}

// UnmarshalYAML supports the same string-or-object shorthand for YAML
// documents. It uses the func-style (yaml.v2) unmarshaler signature, which
// gopkg.in/yaml.v3 still honours.
func (p *PortConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		p.Type = s
		return nil
	}
	type alias PortConfig
	var a alias
	if err := unmarshal(&a); err != nil {
		return err
	}
	*p = PortConfig(a)
	p.HasDefault = a.Default != nil
	return nil
}

func hasJSONKey(data []byte, key string) bool {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return false
	}
	_, ok := raw[key]
	return ok
}

type AgentRefConfig struct {
	AgentID    string `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Role       string `json:"role,omitempty" yaml:"role,omitempty"`
	Capability string `json:"capability,omitempty" yaml:"capability,omitempty"`
}

type DeterministicConfig struct {
	Handler string                 `json:"handler" yaml:"handler"`
	Config  map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// GateConfig captures the common name/type fields plus every check-specific
// field generically, so the parser stays agnostic of how many check kinds
// exist (mirrors gate.Def).
type GateConfig struct {
	Name   string                 `json:"name" yaml:"name"`
	Type   string                 `json:"type" yaml:"type"`
	Fields map[string]interface{} `json:"-" yaml:"-"`
}

func (g *GateConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.Fields = map[string]interface{}{}
	for k, v := range raw {
		switch k {
		case "name":
			if err := json.Unmarshal(v, &g.Name); err != nil {
				return fmt.Errorf("gate.name: %w", err)
			}
		case "type":
			if err := json.Unmarshal(v, &g.Type); err != nil {
				return fmt.Errorf("gate.type: %w", err)
			}
		default:
			var val interface{}
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			g.Fields[k] = val
		}
	}
	return nil
}

func (g *GateConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw map[string]interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	g.Fields = map[string]interface{}{}
	for k, v := range raw {
		switch k {
		case "name":
			if s, ok := v.(string); ok {
				g.Name = s
			}
		case "type":
			if s, ok := v.(string); ok {
				g.Type = s
			}
		default:
			g.Fields[k] = v
		}
	}
	return nil
}

type GateCompositionConfig struct {
	Pre  string `json:"pre,omitempty" yaml:"pre,omitempty"`
	Post string `json:"post,omitempty" yaml:"post,omitempty"`
}

type OnGateFailConfig struct {
	WhenGate     string   `json:"when_gate" yaml:"when_gate"`
	RouteTo      string   `json:"route_to" yaml:"route_to"`
	ResetBlocks  []string `json:"reset_blocks,omitempty" yaml:"reset_blocks,omitempty"`
	MaxBounces   int      `json:"max_bounces" yaml:"max_bounces"`
	FeedbackFrom string   `json:"feedback_from,omitempty" yaml:"feedback_from,omitempty"`
	Reason       string   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Backoff     string `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	DelayMs     int64  `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`
	MaxDelayMs  int64  `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
}

type ApprovalConfig struct {
	Required   bool   `json:"required" yaml:"required"`
	Prompt     string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Approver   string `json:"approver,omitempty" yaml:"approver,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
}

type EdgeConfig struct {
	From      string `json:"from" yaml:"from"`
	FromPort  string `json:"from_port" yaml:"from_port"`
	To        string `json:"to" yaml:"to"`
	ToPort    string `json:"to_port" yaml:"to_port"`
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// ParseJSON decodes a JSON document into a Config and parses it into a DAG.
func ParseJSON(data []byte) (*DAG, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("dag: invalid json: %w", err)
	}
	return Parse(cfg)
}
