package policy

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidRules = errors.New("invalid amount rules")

// Rule maps one paid amount, in minor currency units, to a template.
type Rule struct {
	Amount      int64  `yaml:"amount"`
	TemplateRef string `yaml:"template"`
}

// Template describes the message sent for a group of amounts.
type Template struct {
	Ref                string `yaml:"-"`
	FormURL            string `yaml:"form_url"`
	SuppressDuplicates bool   `yaml:"suppress_duplicates"`
}

// Policy is the validated, read-only amount to template table. It is safe
// for concurrent use.
type Policy struct {
	byAmount  map[int64]string
	templates map[string]Template
}

// New validates rules against templates and builds the lookup table.
// Several amounts may point to the same template; the same amount pointing
// to two different templates is rejected.
func New(rules []Rule, templates map[string]Template) (*Policy, error) {
	p := &Policy{
		byAmount:  make(map[int64]string, len(rules)),
		templates: make(map[string]Template, len(templates)),
	}

	for ref, t := range templates {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return nil, fmt.Errorf("%w: template with empty name", ErrInvalidRules)
		}
		if strings.TrimSpace(t.FormURL) == "" {
			return nil, fmt.Errorf("%w: template %q has no form_url", ErrInvalidRules, ref)
		}
		t.Ref = ref
		p.templates[ref] = t
	}

	for _, r := range rules {
		if r.Amount <= 0 {
			return nil, fmt.Errorf("%w: amount %d must be positive", ErrInvalidRules, r.Amount)
		}
		ref := strings.TrimSpace(r.TemplateRef)
		if _, ok := p.templates[ref]; !ok {
			return nil, fmt.Errorf("%w: amount %d references unknown template %q", ErrInvalidRules, r.Amount, r.TemplateRef)
		}
		if existing, ok := p.byAmount[r.Amount]; ok && existing != ref {
			return nil, fmt.Errorf("%w: amount %d maps to both %q and %q", ErrInvalidRules, r.Amount, existing, ref)
		}
		p.byAmount[r.Amount] = ref
	}

	return p, nil
}

// Resolve returns the template configured for amount. The boolean is false
// when the amount is not supported, which callers treat as "send nothing".
func (p *Policy) Resolve(amount int64) (Template, bool) {
	ref, ok := p.byAmount[amount]
	if !ok {
		return Template{}, false
	}
	return p.templates[ref], true
}

// Template looks a template up by its reference.
func (p *Policy) Template(ref string) (Template, bool) {
	t, ok := p.templates[ref]
	return t, ok
}

// Rules returns a copy of the table ordered by amount.
func (p *Policy) Rules() []Rule {
	rules := make([]Rule, 0, len(p.byAmount))
	for amount, ref := range p.byAmount {
		rules = append(rules, Rule{Amount: amount, TemplateRef: ref})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Amount < rules[j].Amount })
	return rules
}

const contractFormURL = "https://docs.google.com/forms/d/e/1FAIpQLSdfGa5yztL7HNBMmACcpNe0YUDVRtIUj6CUaN_96wXAWCEfpA/viewform?usp=dialog"

// Default returns the built-in table used when no RULES_FILE is configured.
func Default() *Policy {
	p, err := New(
		[]Rule{
			{Amount: 5000, TemplateRef: "contract"},
			{Amount: 5500, TemplateRef: "contract"},
			{Amount: 1000, TemplateRef: "trial"},
		},
		map[string]Template{
			"contract": {FormURL: contractFormURL, SuppressDuplicates: true},
			"trial":    {FormURL: contractFormURL},
		},
	)
	if err != nil {
		panic(err)
	}
	return p
}

type fileFormat struct {
	Rules     []Rule              `yaml:"rules"`
	Templates map[string]Template `yaml:"templates"`
}

// Parse builds a Policy from a YAML document:
//
//	templates:
//	  contract:
//	    form_url: https://example.com/form
//	    suppress_duplicates: true
//	rules:
//	  - amount: 5000
//	    template: contract
func Parse(data []byte) (*Policy, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("%w: no rules defined", ErrInvalidRules)
	}
	return New(f.Rules, f.Templates)
}

// LoadFile reads and parses a rules file.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}
	return Parse(data)
}
