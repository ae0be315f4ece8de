/*
Package factory converts policy catalog files into reward policies.

PURPOSE:
  Reward amounts change far more often than code. The catalog lets
  operators set per-action amounts, switch actions off, run promotional
  multipliers and add new actions without a release.

CATALOG SCHEMA (JSON or YAML):
  {
    "policies": [
      {"action_key": "comment", "amount": 5, "active": true},
      {"action_key": "post", "amount": 10, "active": true, "multiplier": "1.5"}
    ],
    "actions": [
      {"key": "quiz", "type_code": "QZ", "target_field": "quizId", "daily_limit": 2}
    ]
  }

  - multiplier is a decimal string; the granted amount is floor(amount * m)
  - actions are optional and extend (or override) the built-in registry
  - every policy must name a registered action

USAGE:
  f := factory.NewPolicyFactory()
  catalog, err := f.LoadFile("policies.yaml")
  err = f.Apply(catalog, table, registry)

SEE ALSO:
  - rewards/policies.go: Policy and PolicyTable
  - rewards/types.go:    Action and Registry
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/reward-ledger/rewards"
)

// =============================================================================
// CATALOG SCHEMA TYPES
// =============================================================================

type CatalogJSON struct {
	Policies []PolicyJSON `json:"policies" yaml:"policies"`
	Actions  []ActionJSON `json:"actions,omitempty" yaml:"actions,omitempty"`
}

type PolicyJSON struct {
	ActionKey  string `json:"action_key" yaml:"action_key"`
	Amount     int64  `json:"amount" yaml:"amount"`
	Active     *bool  `json:"active,omitempty" yaml:"active,omitempty"` // default true
	Multiplier string `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

type ActionJSON struct {
	Key         string `json:"key" yaml:"key"`
	TypeCode    string `json:"type_code" yaml:"type_code"`
	TargetField string `json:"target_field" yaml:"target_field"`
	DailyLimit  int    `json:"daily_limit,omitempty" yaml:"daily_limit,omitempty"`
	PerDay      bool   `json:"per_day,omitempty" yaml:"per_day,omitempty"`
	Reason      string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Catalog is a parsed, validated catalog.
type Catalog struct {
	Policies []rewards.Policy
	Actions  []rewards.Action
}

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts catalog documents to rewards types.
type PolicyFactory struct{}

func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// LoadFile reads a catalog, picking the format from the file extension.
func (f *PolicyFactory) LoadFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("failed to read policy catalog: %w", err)
	}
	format := FormatJSON
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}
	return f.ParseCatalog(data, format)
}

// ParseCatalog parses and validates a catalog document.
func (f *PolicyFactory) ParseCatalog(data []byte, format Format) (Catalog, error) {
	var cj CatalogJSON
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cj); err != nil {
			return Catalog{}, fmt.Errorf("failed to parse policy YAML: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cj); err != nil {
			return Catalog{}, fmt.Errorf("failed to parse policy JSON: %w", err)
		}
	default:
		return Catalog{}, fmt.Errorf("unsupported catalog format %q", format)
	}
	return f.FromJSON(cj)
}

// FromJSON converts the schema types, validating each item.
func (f *PolicyFactory) FromJSON(cj CatalogJSON) (Catalog, error) {
	var catalog Catalog

	for i, aj := range cj.Actions {
		if aj.Key == "" || aj.TypeCode == "" || aj.TargetField == "" {
			return Catalog{}, fmt.Errorf("action %d: key, type_code and target_field are required", i)
		}
		if aj.DailyLimit < 0 {
			return Catalog{}, fmt.Errorf("action %s: daily_limit must not be negative", aj.Key)
		}
		catalog.Actions = append(catalog.Actions, rewards.Action{
			Key:         aj.Key,
			TypeCode:    aj.TypeCode,
			TargetField: aj.TargetField,
			DailyLimit:  aj.DailyLimit,
			PerDay:      aj.PerDay,
			Reason:      aj.Reason,
		})
	}

	seen := make(map[string]bool, len(cj.Policies))
	for i, pj := range cj.Policies {
		policy, err := parsePolicy(pj)
		if err != nil {
			return Catalog{}, fmt.Errorf("policy %d: %w", i, err)
		}
		if seen[policy.ActionKey] {
			return Catalog{}, fmt.Errorf("policy %d: duplicate action_key %q", i, policy.ActionKey)
		}
		seen[policy.ActionKey] = true
		catalog.Policies = append(catalog.Policies, policy)
	}

	return catalog, nil
}

func parsePolicy(pj PolicyJSON) (rewards.Policy, error) {
	if pj.ActionKey == "" {
		return rewards.Policy{}, fmt.Errorf("action_key is required")
	}
	if pj.Amount < 0 {
		return rewards.Policy{}, fmt.Errorf("%s: amount must not be negative, got %d", pj.ActionKey, pj.Amount)
	}

	policy := rewards.Policy{
		ActionKey: pj.ActionKey,
		Amount:    pj.Amount,
		Active:    pj.Active == nil || *pj.Active,
	}
	if pj.Multiplier != "" {
		m, err := decimal.NewFromString(pj.Multiplier)
		if err != nil {
			return rewards.Policy{}, fmt.Errorf("%s: bad multiplier %q: %w", pj.ActionKey, pj.Multiplier, err)
		}
		if !m.IsPositive() {
			return rewards.Policy{}, fmt.Errorf("%s: multiplier must be positive, got %s", pj.ActionKey, m)
		}
		policy.Multiplier = m
	}
	return policy, nil
}

// Apply registers the catalog's actions, then replaces the table's
// policies. Nothing changes when a policy names an unknown action.
func (f *PolicyFactory) Apply(c Catalog, table *rewards.PolicyTable, registry *rewards.Registry) error {
	known := make(map[string]bool)
	for _, key := range registry.Keys() {
		known[key] = true
	}
	for _, a := range c.Actions {
		known[a.Key] = true
	}
	for _, p := range c.Policies {
		if !known[p.ActionKey] {
			return fmt.Errorf("policy for unknown action %q", p.ActionKey)
		}
	}

	for _, a := range c.Actions {
		if err := registry.Register(a); err != nil {
			return fmt.Errorf("register action %s: %w", a.Key, err)
		}
	}
	table.Replace(c.Policies)
	return nil
}

// ToJSON renders policies back into the catalog schema.
func (f *PolicyFactory) ToJSON(policies []rewards.Policy) CatalogJSON {
	cj := CatalogJSON{Policies: make([]PolicyJSON, 0, len(policies))}
	for _, p := range policies {
		active := p.Active
		pj := PolicyJSON{ActionKey: p.ActionKey, Amount: p.Amount, Active: &active}
		if !p.Multiplier.IsZero() {
			pj.Multiplier = p.Multiplier.String()
		}
		cj.Policies = append(cj.Policies, pj)
	}
	return cj
}

// DefaultCatalog is the built-in policy set used when no catalog file is
// configured.
func DefaultCatalog() Catalog {
	return Catalog{Policies: []rewards.Policy{
		{ActionKey: rewards.ActionComment, Amount: 5, Active: true},
		{ActionKey: rewards.ActionPost, Amount: 10, Active: true},
		{ActionKey: rewards.ActionRoutinePost, Amount: 20, Active: true},
		{ActionKey: rewards.ActionReview, Amount: 30, Active: true},
		{ActionKey: rewards.ActionSignup, Amount: 100, Active: true},
		{ActionKey: rewards.ActionAttendance, Amount: 1, Active: true},
	}}
}
