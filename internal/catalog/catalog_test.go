package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/research/internal/domain"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	s, err := c.Get("")
	require.NoError(t, err)
	assert.Equal(t, "homestay", s.Name)
	assert.Equal(t, []string{"skill_015FtmDcs3NUKhwqTgukAyWc"}, s.SkillIDs)
	assert.Equal(t, 32768, s.MaxTokens)
	assert.Equal(t, []string{"homestay"}, c.Names())

	_, err = c.Get("nope")
	assert.ErrorIs(t, err, domain.ErrSkillNotFound)
}

func TestMissingFieldsAndBuildRequest(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	s, _ := c.Get("homestay")

	assert.Equal(t, []string{"location"}, s.MissingFields(domain.FieldValues{"budget": "1M"}))
	assert.Equal(t, []string{"location"}, s.MissingFields(domain.FieldValues{"location": "   "}))
	assert.Empty(t, s.MissingFields(domain.FieldValues{"location": "Hangzhou"}))

	_, err = s.BuildRequest(domain.FieldValues{})
	assert.Error(t, err)

	req, err := s.BuildRequest(domain.FieldValues{"location": "Hangzhou", "budget": "1M"})
	require.NoError(t, err)
	assert.Equal(t, 32768, req.MaxTokens)
	assert.Contains(t, req.Message, "homestay investment market in [Hangzhou]")
	assert.Contains(t, req.Message, "Investment budget: 1M")
	assert.NotContains(t, req.Message, "Homestay type")
	assert.Contains(t, req.Message, "5. Recommendation")
}

func TestAskQuestionAndPrompts(t *testing.T) {
	c, _ := Default()
	s, _ := c.Get("homestay")

	args := s.AskQuestion()
	assert.False(t, args.AllowsInput)
	assert.NotNil(t, args.Options)
	require.Len(t, args.InputFields, 5)
	assert.True(t, args.InputFields[0].Required)

	assert.Contains(t, s.ClarifySystemPrompt(), `name: "location"`)

	prompt := s.FallbackSystem(domain.FieldValues{"location": "Xiamen"}, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	assert.Contains(t, prompt, "- Investment area: Xiamen")
	assert.Contains(t, prompt, "- Budget: not specified")
	assert.Contains(t, prompt, "2026")

	assert.Equal(t, "Investment area: Xiamen\nBudget: 2M",
		s.DescribeValues(domain.FieldValues{"budget": " 2M ", "location": "Xiamen", "unknown": "x"}))
	assert.Empty(t, s.DescribeValues(nil))
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "skills: []"},
		{"no name", "skills:\n  - skill_ids: [a]"},
		{"no ids", "skills:\n  - name: x"},
		{"duplicate skill", "skills:\n  - name: x\n    skill_ids: [a]\n  - name: x\n    skill_ids: [b]"},
		{"duplicate field", "skills:\n  - name: x\n    skill_ids: [a]\n    fields:\n      - name: f\n      - name: f"},
		{"bad yaml", "skills: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skills.yaml")
	require.NoError(t, os.WriteFile(path, []byte("skills:\n  - name: market\n    skill_ids: [skill_m]\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	s, err := c.Get("market")
	require.NoError(t, err)
	assert.Empty(t, s.MissingFields(nil))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
