// Package catalog describes the research skills the service can run: which
// upstream skill to invoke, which fields to collect from the user, and how to
// phrase the task.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xiaot623/gogo/research/internal/domain"
)

//go:embed skills.yaml
var defaultCatalog []byte

const valuePlaceholder = "{value}"

// Catalog is a set of skills.
type Catalog struct {
	Skills []*Skill `yaml:"skills"`

	byName map[string]*Skill
}

// Skill is one research skill.
type Skill struct {
	Name                 string   `yaml:"name"`
	Title                string   `yaml:"title"`
	SkillIDs             []string `yaml:"skill_ids"`
	MaxTokens            int      `yaml:"max_tokens"`
	Question             string   `yaml:"question"`
	Fields               []Field  `yaml:"fields"`
	Analysis             []string `yaml:"analysis"`
	FallbackSystemPrompt string   `yaml:"fallback_system_prompt"`
}

// Field is one value collected from the user.
type Field struct {
	Name        string `yaml:"name" json:"name"`
	Label       string `yaml:"label" json:"label"`
	Placeholder string `yaml:"placeholder" json:"placeholder"`
	Required    bool   `yaml:"required" json:"required"`
	// Template renders the field into the task message; {value} is replaced.
	Template string `yaml:"template" json:"-"`
}

// AskQuestionArgs is the argument object of the ask_question tool.
type AskQuestionArgs struct {
	Question    string   `json:"question"`
	Options     []Option `json:"options"`
	AllowsInput bool     `json:"allowsInput"`
	InputFields []Field  `json:"inputFields"`
}

// Option is a predefined answer.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from path, or the embedded one when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(c.Skills) == 0 {
		return nil, errors.New("catalog has no skills")
	}

	c.byName = make(map[string]*Skill, len(c.Skills))
	for i, s := range c.Skills {
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("skill %d: %w", i, err)
		}
		if _, dup := c.byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate skill %q", s.Name)
		}
		c.byName[s.Name] = s
	}
	return &c, nil
}

func (s *Skill) validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if len(s.SkillIDs) == 0 {
		return fmt.Errorf("%s: skill_ids is required", s.Name)
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("%s: field without name", s.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("%s: duplicate field %q", s.Name, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// Get returns the named skill. An empty name selects the first skill.
func (c *Catalog) Get(name string) (*Skill, error) {
	if name == "" {
		return c.Skills[0], nil
	}
	s, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSkillNotFound, name)
	}
	return s, nil
}

// Names lists the skill names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.Skills))
	for i, s := range c.Skills {
		names[i] = s.Name
	}
	return names
}

// MissingFields returns the required fields that are absent or blank.
func (s *Skill) MissingFields(values domain.FieldValues) []string {
	var missing []string
	for _, f := range s.Fields {
		if f.Required && strings.TrimSpace(values[f.Name]) == "" {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// BuildRequest assembles the execution request from the field values.
func (s *Skill) BuildRequest(values domain.FieldValues) (domain.ExecutionRequest, error) {
	if missing := s.MissingFields(values); len(missing) > 0 {
		return domain.ExecutionRequest{}, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}

	var parts []string
	for _, f := range s.Fields {
		v := strings.TrimSpace(values[f.Name])
		if v == "" || f.Template == "" {
			continue
		}
		parts = append(parts, strings.ReplaceAll(f.Template, valuePlaceholder, v))
	}
	parts = append(parts, s.Analysis...)

	return domain.ExecutionRequest{
		SkillIDs:  append([]string(nil), s.SkillIDs...),
		Message:   strings.Join(parts, "\n"),
		MaxTokens: s.MaxTokens,
	}, nil
}

// AskQuestion returns the ask_question arguments that collect the skill's
// fields.
func (s *Skill) AskQuestion() AskQuestionArgs {
	return AskQuestionArgs{
		Question:    s.Question,
		Options:     []Option{},
		AllowsInput: false,
		InputFields: append([]Field(nil), s.Fields...),
	}
}

// ClarifySystemPrompt instructs the model to call ask_question with the
// skill's fields and nothing else.
func (s *Skill) ClarifySystemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a %s assistant. First collect the user's requirements.\n\n", strings.ToLower(s.Title))
	b.WriteString("Call the ask_question tool immediately with these arguments:\n")
	fmt.Fprintf(&b, "- question: %q\n- options: []\n- allowsInput: false\n- inputFields:\n", s.Question)
	for _, f := range s.Fields {
		fmt.Fprintf(&b, "  - {name: %q, label: %q, placeholder: %q, required: %t}\n", f.Name, f.Label, f.Placeholder, f.Required)
	}
	b.WriteString("\nDo nothing else; call ask_question directly.")
	return b.String()
}

// FallbackSystem renders the system prompt for the search-based
// fallback, listing the collected requirements.
func (s *Skill) FallbackSystem(values domain.FieldValues, now time.Time) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(s.FallbackSystemPrompt))
	b.WriteString("\n\nUser requirements:\n")
	for _, f := range s.Fields {
		v := strings.TrimSpace(values[f.Name])
		if v == "" {
			v = "not specified"
		}
		fmt.Fprintf(&b, "- %s: %s\n", f.Label, v)
	}
	fmt.Fprintf(&b, "\nCurrent date and time: %s", now.Format(time.RFC1123))
	return b.String()
}

// DescribeValues renders submitted field values as "Label: value" lines in
// field order. Values for fields the skill does not declare are left out.
func (s *Skill) DescribeValues(values domain.FieldValues) string {
	var lines []string
	for _, f := range s.Fields {
		v := strings.TrimSpace(values[f.Name])
		if v == "" {
			continue
		}
		label := f.Label
		if label == "" {
			label = f.Name
		}
		lines = append(lines, label+": "+v)
	}
	return strings.Join(lines, "\n")
}
