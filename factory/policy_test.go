package factory_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reward-ledger/factory"
	"github.com/warp/reward-ledger/rewards"
)

const catalogYAML = `
policies:
  - action_key: comment
    amount: 5
  - action_key: post
    amount: 15
    multiplier: "1.5"
  - action_key: review
    amount: 30
    active: false
  - action_key: quiz
    amount: 3
actions:
  - key: quiz
    type_code: QZ
    target_field: quizId
    daily_limit: 2
    reason: quiz reward
`

const catalogJSON = `{
  "policies": [
    {"action_key": "comment", "amount": 5},
    {"action_key": "post", "amount": 15, "multiplier": "1.5"}
  ]
}`

func TestParseCatalog_YAML(t *testing.T) {
	f := factory.NewPolicyFactory()
	catalog, err := f.ParseCatalog([]byte(catalogYAML), factory.FormatYAML)
	require.NoError(t, err)

	require.Len(t, catalog.Policies, 4)
	assert.Equal(t, rewards.Policy{ActionKey: "comment", Amount: 5, Active: true}, catalog.Policies[0])
	assert.True(t, catalog.Policies[1].Multiplier.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, int64(22), catalog.Policies[1].Points())
	assert.False(t, catalog.Policies[2].Active)

	require.Len(t, catalog.Actions, 1)
	assert.Equal(t, rewards.Action{
		Key: "quiz", TypeCode: "QZ", TargetField: "quizId", DailyLimit: 2, Reason: "quiz reward",
	}, catalog.Actions[0])
}

func TestParseCatalog_JSON(t *testing.T) {
	f := factory.NewPolicyFactory()
	catalog, err := f.ParseCatalog([]byte(catalogJSON), factory.FormatJSON)
	require.NoError(t, err)
	require.Len(t, catalog.Policies, 2)
	assert.Equal(t, int64(22), catalog.Policies[1].Points())
	assert.Empty(t, catalog.Actions)
}

func TestParseCatalog_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		format factory.Format
		errMsg string
	}{
		{"unknown field", `{"policies": [{"action_key": "comment", "amount": 5, "amout": 6}]}`, factory.FormatJSON, "unknown field"},
		{"missing action key", `{"policies": [{"amount": 5}]}`, factory.FormatJSON, "action_key is required"},
		{"negative amount", `{"policies": [{"action_key": "comment", "amount": -1}]}`, factory.FormatJSON, "must not be negative"},
		{"bad multiplier", `{"policies": [{"action_key": "post", "amount": 5, "multiplier": "x2"}]}`, factory.FormatJSON, "bad multiplier"},
		{"zero multiplier", `{"policies": [{"action_key": "post", "amount": 5, "multiplier": "0"}]}`, factory.FormatJSON, "must be positive"},
		{"duplicate", "policies:\n  - {action_key: comment, amount: 5}\n  - {action_key: comment, amount: 6}\n", factory.FormatYAML, "duplicate action_key"},
		{"incomplete action", "actions:\n  - {key: quiz}\n", factory.FormatYAML, "required"},
		{"format", `{}`, factory.Format("xml"), "unsupported"},
	}
	f := factory.NewPolicyFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseCatalog([]byte(tt.doc), tt.format)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestApply(t *testing.T) {
	// GIVEN: A catalog that adds a "quiz" action
	// WHEN: It is applied to an existing table
	// THEN: The registry learns the action and the table is replaced

	f := factory.NewPolicyFactory()
	catalog, err := f.ParseCatalog([]byte(catalogYAML), factory.FormatYAML)
	require.NoError(t, err)

	table := rewards.NewPolicyTable(rewards.Policy{ActionKey: "signup", Amount: 100, Active: true})
	registry := rewards.DefaultRegistry()
	require.NoError(t, f.Apply(catalog, table, registry))

	quiz, ok := registry.Lookup("quiz")
	require.True(t, ok)
	assert.Equal(t, "QZ", quiz.TypeCode)

	_, found, err := table.Policy(context.Background(), "signup")
	require.NoError(t, err)
	assert.False(t, found, "replaced, not merged")
	assert.Len(t, table.All(), 4)
}

func TestApply_UnknownActionChangesNothing(t *testing.T) {
	f := factory.NewPolicyFactory()
	table := rewards.NewPolicyTable(rewards.Policy{ActionKey: "comment", Amount: 5, Active: true})
	registry := rewards.DefaultRegistry()

	err := f.Apply(factory.Catalog{Policies: []rewards.Policy{{ActionKey: "teleport", Amount: 1, Active: true}}}, table, registry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
	assert.Len(t, table.All(), 1)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "policies.yml")
	jsonPath := filepath.Join(dir, "policies.json")
	require.NoError(t, os.WriteFile(yamlPath, []byte(catalogYAML), 0o600))
	require.NoError(t, os.WriteFile(jsonPath, []byte(catalogJSON), 0o600))

	f := factory.NewPolicyFactory()
	c, err := f.LoadFile(yamlPath)
	require.NoError(t, err)
	assert.Len(t, c.Policies, 4)

	c, err = f.LoadFile(jsonPath)
	require.NoError(t, err)
	assert.Len(t, c.Policies, 2)

	_, err = f.LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestToJSON_ReparsesToSamePolicies(t *testing.T) {
	f := factory.NewPolicyFactory()
	policies := factory.DefaultCatalog().Policies
	policies[1].Multiplier = decimal.RequireFromString("2")

	c, err := f.FromJSON(f.ToJSON(policies))
	require.NoError(t, err)
	require.Len(t, c.Policies, len(policies))
	for i := range policies {
		assert.Equal(t, policies[i].ActionKey, c.Policies[i].ActionKey)
		assert.Equal(t, policies[i].Points(), c.Policies[i].Points())
	}
}
