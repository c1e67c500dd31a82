package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeline/internal/domain"
)

func TestLoadBuiltinAutonomous(t *testing.T) {
	s := NewStore(t.TempDir())
	p, err := s.Load("autonomous")
	require.NoError(t, err)
	assert.True(t, p.Builtin)

	low, ok := p.Rule(domain.RiskLow)
	require.True(t, ok)
	assert.Equal(t, domain.AutoExecute, low.Action)
	assert.False(t, low.RequireSandbox)

	medium, ok := p.Rule(domain.RiskMedium)
	require.True(t, ok)
	assert.Equal(t, domain.ConditionalExecute, medium.Action)
	assert.Equal(t, 90, medium.SandboxThreshold)
	assert.Equal(t, []string{"sandbox_test_passed", "score_above_threshold:90"}, medium.Conditions)

	high, _ := p.Rule(domain.RiskHigh)
	assert.Equal(t, domain.EscalateHuman, high.Action)
	assert.Equal(t, DefaultSandboxThreshold, high.SandboxThreshold)
	critical, _ := p.Rule(domain.RiskCritical)
	assert.Equal(t, domain.Block, critical.Action)
}

func TestUserProfileShadowsBuiltin(t *testing.T) {
	dir := t.TempDir()
	doc := "name: autonomous\nrules:\n  LOW:\n    action: escalate_human\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "autonomous.yml"), []byte(doc), 0o644))

	p, err := NewStore(dir).Load("autonomous")
	require.NoError(t, err)
	assert.False(t, p.Builtin)
	low, _ := p.Rule(domain.RiskLow)
	assert.Equal(t, domain.EscalateHuman, low.Action)
	assert.Equal(t, DefaultNotification, low.Notification)
	_, ok := p.Rule(domain.RiskMedium)
	assert.False(t, ok)
}

func TestLoadMissingProfile(t *testing.T) {
	_, err := NewStore(t.TempDir()).Load("nope")
	require.ErrorIs(t, err, ErrProfileNotFound)

	_, err = NewStore("").Load("../etc/passwd")
	require.ErrorIs(t, err, ErrProfileNotFound)
}

func TestLoadCachesProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: custom\nrules:\n  LOW:\n    action: block\n"), 0o644))
	s := NewStore(dir)
	first, err := s.Load("custom")
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	second, err := s.Load("custom")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestParseRejectsBadProfiles(t *testing.T) {
	cases := map[string]string{
		"unknown condition": "name: x\nrules:\n  LOW:\n    action: conditional_execute\n    conditions: [moon_is_full]\n",
		"unknown action":    "name: x\nrules:\n  LOW:\n    action: yolo\n",
		"unknown level":     "name: x\nrules:\n  EXTREME:\n    action: block\n",
		"missing name":      "rules:\n  LOW:\n    action: block\n",
		"bad threshold":     "name: x\nrules:\n  LOW:\n    action: block\n    sandbox_threshold: 120\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestParseCondition(t *testing.T) {
	c, err := ParseCondition("score_above_threshold:85")
	require.NoError(t, err)
	assert.Equal(t, ScoreAboveThreshold, c.Kind)
	assert.Equal(t, 85, c.Threshold)

	c, err = ParseCondition("sandbox_test_passed")
	require.NoError(t, err)
	assert.Equal(t, SandboxTestPassed, c.Kind)

	for _, bad := range []string{"score_above_threshold", "score_above_threshold:abc", "sandbox_test_passed:1", ""} {
		_, err := ParseCondition(bad)
		assert.Error(t, err, bad)
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "night.yaml"), []byte("name: night\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644))
	names, err := NewStore(dir).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"autonomous", "conservative", "night"}, names)
}
