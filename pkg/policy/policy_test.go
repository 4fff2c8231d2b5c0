package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTemplates() map[string]Template {
	return map[string]Template{
		"contract": {FormURL: "https://forms.example.com/contract", SuppressDuplicates: true},
		"trial":    {FormURL: "https://forms.example.com/trial"},
	}
}

func TestResolveConfiguredAmounts(t *testing.T) {
	rules := []Rule{
		{Amount: 5000, TemplateRef: "contract"},
		{Amount: 5500, TemplateRef: "contract"},
		{Amount: 1000, TemplateRef: "trial"},
	}
	p, err := New(rules, testTemplates())
	require.NoError(t, err)

	for _, r := range rules {
		tmpl, ok := p.Resolve(r.Amount)
		require.True(t, ok, "amount %d", r.Amount)
		assert.Equal(t, r.TemplateRef, tmpl.Ref)
	}

	tmpl, _ := p.Resolve(5000)
	assert.True(t, tmpl.SuppressDuplicates)
	tmpl, _ = p.Resolve(1000)
	assert.False(t, tmpl.SuppressDuplicates)
}

func TestResolveUnsupportedAmount(t *testing.T) {
	p := Default()
	for _, amount := range []int64{0, -5000, 4242, 5001, 500000} {
		_, ok := p.Resolve(amount)
		assert.False(t, ok, "amount %d", amount)
	}
}

func TestNewRejectsInvalidTables(t *testing.T) {
	tests := []struct {
		name      string
		rules     []Rule
		templates map[string]Template
	}{
		{
			name:      "conflicting templates for one amount",
			rules:     []Rule{{Amount: 5000, TemplateRef: "contract"}, {Amount: 5000, TemplateRef: "trial"}},
			templates: testTemplates(),
		},
		{
			name:      "unknown template",
			rules:     []Rule{{Amount: 5000, TemplateRef: "missing"}},
			templates: testTemplates(),
		},
		{
			name:      "non-positive amount",
			rules:     []Rule{{Amount: 0, TemplateRef: "contract"}},
			templates: testTemplates(),
		},
		{
			name:      "template without form url",
			rules:     []Rule{{Amount: 5000, TemplateRef: "contract"}},
			templates: map[string]Template{"contract": {}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.rules, tt.templates)
			require.ErrorIs(t, err, ErrInvalidRules)
		})
	}
}

func TestNewAcceptsRepeatedIdenticalRule(t *testing.T) {
	p, err := New([]Rule{{Amount: 5000, TemplateRef: "contract"}, {Amount: 5000, TemplateRef: "contract"}}, testTemplates())
	require.NoError(t, err)
	assert.Len(t, p.Rules(), 1)
}

func TestRulesSortedByAmount(t *testing.T) {
	rules := Default().Rules()
	require.Len(t, rules, 3)
	assert.Equal(t, int64(1000), rules[0].Amount)
	assert.Equal(t, int64(5500), rules[2].Amount)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	doc := `
templates:
  contract:
    form_url: https://forms.example.com/contract
    suppress_duplicates: true
rules:
  - amount: 5000
    template: contract
  - amount: 9800
    template: contract
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	p, err := LoadFile(path)
	require.NoError(t, err)

	tmpl, ok := p.Resolve(9800)
	require.True(t, ok)
	assert.Equal(t, "contract", tmpl.Ref)
	assert.Equal(t, "https://forms.example.com/contract", tmpl.FormURL)
	assert.True(t, tmpl.SuppressDuplicates)
}

func TestParseRejectsEmptyRules(t *testing.T) {
	_, err := Parse([]byte("templates: {}\n"))
	require.ErrorIs(t, err, ErrInvalidRules)
}
