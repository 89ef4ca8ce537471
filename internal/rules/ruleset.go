package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"netintercept/pkg/domain"
)

// ConditionType 匹配条件类型
type ConditionType string

const (
	ConditionURL          ConditionType = "url"
	ConditionMethod       ConditionType = "method"
	ConditionHeader       ConditionType = "header"
	ConditionQuery        ConditionType = "query"
	ConditionCookie       ConditionType = "cookie"
	ConditionText         ConditionType = "text"
	ConditionJSONPointer  ConditionType = "json_pointer"
	ConditionJSONPath     ConditionType = "json_path"
	ConditionResourceType ConditionType = "resource_type"
	ConditionInitiator    ConditionType = "initiator"
)

// ConditionOp 值比较方式，为空时只要求存在
type ConditionOp string

const (
	OpEquals   ConditionOp = "equals"
	OpContains ConditionOp = "contains"
	OpRegex    ConditionOp = "regex"
	OpExists   ConditionOp = "exists"
)

// ActionType 命中后对请求的处置
type ActionType string

const (
	ActionSetHeaders ActionType = "set_headers"
	ActionBlock      ActionType = "block"
	ActionRedirect   ActionType = "redirect"
	ActionDefer      ActionType = "defer"
	ActionProceed    ActionType = "proceed"
)

// RuleMode 多条规则命中时的取舍方式
type RuleMode string

const (
	ModeAggregate    RuleMode = "aggregate"
	ModeShortCircuit RuleMode = "short_circuit"
)

// RuleSet 规则集
type RuleSet struct {
	Version string `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// Rule 单条规则
type Rule struct {
	ID       domain.RuleID `yaml:"id" json:"id"`
	Name     string        `yaml:"name" json:"name"`
	Priority int           `yaml:"priority" json:"priority"`
	Mode     RuleMode      `yaml:"mode" json:"mode"`
	Disabled bool          `yaml:"disabled" json:"disabled"`
	Match    Match         `yaml:"match" json:"match"`
	Action   Action        `yaml:"action" json:"action"`
}

// Match 条件组合，三组之间为与关系
type Match struct {
	AllOf  []Condition `yaml:"allOf" json:"allOf"`
	AnyOf  []Condition `yaml:"anyOf" json:"anyOf"`
	NoneOf []Condition `yaml:"noneOf" json:"noneOf"`
}

// Condition 单个匹配条件
type Condition struct {
	Type    ConditionType `yaml:"type" json:"type"`
	Mode    string        `yaml:"mode" json:"mode"` // url: prefix/regex/exact/glob
	Pattern string        `yaml:"pattern" json:"pattern"`
	Values  []string      `yaml:"values" json:"values"`
	Key     string        `yaml:"key" json:"key"`
	Op      ConditionOp   `yaml:"op" json:"op"`
	Value   string        `yaml:"value" json:"value"`
	Pointer string        `yaml:"pointer" json:"pointer"`
	Path    string        `yaml:"path" json:"path"`
}

// Action 命中后的动作
type Action struct {
	Type    ActionType        `yaml:"type" json:"type"`
	Headers map[string]string `yaml:"headers" json:"headers"`
	URL     string            `yaml:"url" json:"url"`
	Defer   *DeferAction      `yaml:"defer" json:"defer"`
}

// DeferAction 推迟处置，等待外部决定；超时后执行默认动作
type DeferAction struct {
	TimeoutMS     int        `yaml:"timeoutMS" json:"timeoutMS"`
	DefaultAction ActionType `yaml:"defaultAction" json:"defaultAction"`
}

// Parse 解析 YAML 或 JSON 规则集
func Parse(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		if jsonErr := json.Unmarshal(data, &rs); jsonErr != nil {
			return RuleSet{}, fmt.Errorf("parse rules: %w", err)
		}
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// LoadFile 从文件读取规则集
func LoadFile(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules: %w", err)
	}
	return Parse(data)
}

// Validate 校验规则集
func (rs RuleSet) Validate() error {
	seen := make(map[domain.RuleID]struct{}, len(rs.Rules))
	for i, r := range rs.Rules {
		if r.ID == "" {
			return fmt.Errorf("rules[%d]: id is required", i)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("rules[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = struct{}{}
		if err := r.validate(); err != nil {
			return fmt.Errorf("rule %q: %w", r.ID, err)
		}
	}
	return nil
}

func (r Rule) validate() error {
	switch r.Mode {
	case "", ModeAggregate, ModeShortCircuit:
	default:
		return fmt.Errorf("unknown mode %q", r.Mode)
	}
	for _, group := range [][]Condition{r.Match.AllOf, r.Match.AnyOf, r.Match.NoneOf} {
		for _, c := range group {
			if err := c.validate(); err != nil {
				return err
			}
		}
	}
	switch r.Action.Type {
	case ActionSetHeaders:
		if len(r.Action.Headers) == 0 {
			return fmt.Errorf("set_headers requires headers")
		}
	case ActionRedirect:
		if r.Action.URL == "" {
			return fmt.Errorf("redirect requires url")
		}
	case ActionDefer:
		if d := r.Action.Defer; d != nil {
			switch d.DefaultAction {
			case "", ActionBlock, ActionProceed:
			default:
				return fmt.Errorf("unknown defer default action %q", d.DefaultAction)
			}
		}
	case ActionBlock, ActionProceed:
	default:
		return fmt.Errorf("unknown action %q", r.Action.Type)
	}
	return nil
}

func (c Condition) validate() error {
	switch c.Type {
	case ConditionURL:
		if c.Mode == "regex" {
			if _, err := regexp.Compile(c.Pattern); err != nil {
				return fmt.Errorf("url pattern: %w", err)
			}
		}
	case ConditionJSONPointer:
		if c.Pointer == "" || c.Pointer[0] != '/' {
			return fmt.Errorf("json pointer must start with '/': %q", c.Pointer)
		}
	case ConditionJSONPath:
		if c.Path == "" {
			return fmt.Errorf("json_path requires path")
		}
	case ConditionMethod, ConditionHeader, ConditionQuery, ConditionCookie,
		ConditionText, ConditionResourceType, ConditionInitiator:
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	if c.Op == OpRegex {
		if _, err := regexp.Compile(c.Value); err != nil {
			return fmt.Errorf("condition value: %w", err)
		}
	}
	return nil
}
