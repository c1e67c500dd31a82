package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"safeline/internal/domain"
)

func TestAssessBands(t *testing.T) {
	cases := []struct {
		name  string
		task  domain.Task
		score int
		level domain.RiskLevel
	}{
		{"read only query", domain.Task{ActionType: "query_db", Payload: map[string]any{"query": "SELECT 1"}}, 0, domain.RiskLow},
		{"workdir write", domain.Task{ActionType: "write_file"}, 29, domain.RiskLow},
		{"db update", domain.Task{ActionType: "update_db"}, 38, domain.RiskMedium},
		{"system optimization", domain.Task{ActionType: "system_optimization"}, 39, domain.RiskMedium},
		{"script", domain.Task{ActionType: "execute_script"}, 36, domain.RiskMedium},
		{"api call", domain.Task{ActionType: "api_call"}, 40, domain.RiskMedium},
		{"delete file", domain.Task{ActionType: "delete_file"}, 41, domain.RiskMedium},
		{"send email forced critical", domain.Task{ActionType: "send_email"}, 86, domain.RiskCritical},
		{"payment forced critical", domain.Task{ActionType: "payment", Payload: map[string]any{"cost": 500.0}}, 86, domain.RiskCritical},
		{"unknown type", domain.Task{ActionType: "mystery"}, 0, domain.RiskLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := Assess(tc.task)
			assert.Equal(t, tc.score, a.Score)
			assert.Equal(t, tc.level, a.Level)
			assert.Len(t, a.Breakdown, 4)
		})
	}
}

func TestFinancialImpactBuckets(t *testing.T) {
	for cost, want := range map[any]int{0.0: 0, 5.0: 30, 10.0: 30, 10.5: 70, 100.0: 70, 101.0: 100, "250": 100, "abc": 0, 3: 30} {
		a := Assess(domain.Task{ActionType: "query_db", Payload: map[string]any{"cost": cost}})
		assert.Equal(t, want, a.Breakdown[FinancialImpact], "cost %v", cost)
	}
}

func TestBandUsesExactSum(t *testing.T) {
	// A sum exactly on a boundary stays in the lower band.
	assert.Equal(t, domain.RiskLow, level(3000))
	assert.Equal(t, domain.RiskMedium, level(3001))
	assert.Equal(t, domain.RiskHigh, level(8500))
	assert.Equal(t, domain.RiskCritical, level(8501))

	// webhook with cost > 100: 40 + 10 = 50.
	a := Assess(domain.Task{ActionType: "webhook", Payload: map[string]any{"cost": 1000.0}})
	assert.Equal(t, 50, a.Score)
	assert.Equal(t, domain.RiskMedium, a.Level)
}

func TestAssessIsDeterministic(t *testing.T) {
	task := domain.Task{ActionType: "update_db", Payload: map[string]any{"cost": 20.0}}
	assert.Equal(t, Assess(task), Assess(task))
}

func TestExplain(t *testing.T) {
	out := Explain(Assess(domain.Task{ActionType: "update_db"}))
	assert.Contains(t, out, "Risk Score: 38/100 (MEDIUM)")
	assert.Contains(t, out, "data_modification: 100% x 30% weight = 30.0 points")
	assert.Contains(t, out, "conditional execute")
}
