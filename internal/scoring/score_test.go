package scoring

import (
	"math"
	"testing"

	"github.com/quantops/nightshift/internal/config"
	"github.com/quantops/nightshift/internal/universe"
)

func scoringCfg() config.Scoring {
	return config.Scoring{TrendWeight: 0.5, FlowWeight: 0.3, FundWeight: 0.2}
}

func memberRow(code string, ranks map[string]float64) universe.Row {
	r := universe.Row{Member: true, Norm: map[string]universe.Normalized{}}
	r.Code = code
	for name, rank := range ranks {
		r.Norm[name] = universe.Normalized{Rank: rank}
	}
	return r
}

func TestComputeRuleScoresWeighting(t *testing.T) {
	row := memberRow("600000.SH", map[string]float64{
		universe.FactorRet1:      1.0,
		universe.FactorAmountLog: 0.5,
		universe.FactorTurnover:  0.0,
	})

	out := ComputeRuleScores([]universe.Row{row}, scoringCfg())
	want := 0.5*1.0 + 0.3*0.5 + 0.2*0.0
	if math.Abs(out[0].ScoreRule-want) > 1e-12 {
		t.Errorf("score = %v, want %v", out[0].ScoreRule, want)
	}
	if out[0].FinalScore != out[0].ScoreRule {
		t.Error("final score starts at the rule score")
	}
}

func TestNonMemberGetsSentinel(t *testing.T) {
	row := memberRow("300001.SZ", map[string]float64{universe.FactorRet1: 1.0})
	row.Member = false

	out := ComputeRuleScores([]universe.Row{row}, scoringCfg())
	if out[0].ScoreRule != MinScore || out[0].FinalScore != MinScore {
		t.Errorf("non-member scored %v", out[0].ScoreRule)
	}
}

func TestMissingNormIsNeutral(t *testing.T) {
	row := universe.Row{Member: true}
	row.Code = "600000.SH"

	out := ComputeRuleScores([]universe.Row{row}, scoringCfg())
	// All three components at 0.5 under the default weights.
	want := 0.5 * (0.5 + 0.3 + 0.2)
	if math.Abs(out[0].ScoreRule-want) > 1e-12 {
		t.Errorf("score = %v, want %v", out[0].ScoreRule, want)
	}
}

func TestDetectRegime(t *testing.T) {
	mk := func(pcts ...float64) []universe.Row {
		rows := make([]universe.Row, len(pcts))
		for i, p := range pcts {
			rows[i].PctChg = p
		}
		return rows
	}

	testCases := []struct {
		name string
		rows []universe.Row
		want string
		mult float64
	}{
		{"risk_on", mk(1.0, 1.2, 0.8), RegimeRiskOn, 1.1},
		{"risk_off", mk(-1.0, -1.5, -0.5), RegimeRiskOff, 0.7},
		{"neutral", mk(0.1, -0.1, 0.2), RegimeNeutral, 1.0},
		{"boundary_is_neutral", mk(0.8, 0.8), RegimeNeutral, 1.0},
		{"empty", nil, RegimeUnknown, 1.0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reg := DetectRegime(tc.rows)
			if reg.Name != tc.want || reg.Multiplier != tc.mult {
				t.Errorf("got %s/%v, want %s/%v", reg.Name, reg.Multiplier, tc.want, tc.mult)
			}
		})
	}
}

func TestApplyRegimeSkipsSentinel(t *testing.T) {
	rows := []Scored{
		{FinalScore: 0.5},
		{FinalScore: MinScore},
	}
	ApplyRegime(rows, Regime{Name: RegimeRiskOff, Multiplier: 0.7})

	if math.Abs(rows[0].FinalScore-0.35) > 1e-12 {
		t.Errorf("live score = %v, want 0.35", rows[0].FinalScore)
	}
	if rows[1].FinalScore != MinScore {
		t.Errorf("sentinel moved to %v", rows[1].FinalScore)
	}
}

func TestApplyVolDamper(t *testing.T) {
	hot := Scored{FinalScore: 1.0}
	hot.Factors.Turnover = 0.10 // 10% churn
	calm := Scored{FinalScore: 1.0}
	calm.Factors.Turnover = 0.01
	floored := Scored{FinalScore: MinScore}

	rows := []Scored{hot, calm, floored}
	ApplyVolDamper(rows, 1e-6)

	if rows[0].FinalScore >= rows[1].FinalScore {
		t.Errorf("high churn should be penalized harder: %v vs %v", rows[0].FinalScore, rows[1].FinalScore)
	}
	if math.Abs(rows[0].FinalScore-1.0/(10+1e-6)) > 1e-9 {
		t.Errorf("damped = %v", rows[0].FinalScore)
	}
	if rows[2].FinalScore != MinScore {
		t.Error("sentinel must not be damped")
	}
}

func TestRankDeterministicTies(t *testing.T) {
	rows := []Scored{
		{FinalScore: 0.3},
		{FinalScore: 0.9},
		{FinalScore: 0.3},
	}
	rows[0].Code = "A.SH"
	rows[1].Code = "B.SH"
	rows[2].Code = "C.SH"

	Rank(rows)

	if rows[0].Code != "B.SH" || rows[0].RankFinal != 1 {
		t.Fatalf("top = %s rank %d", rows[0].Code, rows[0].RankFinal)
	}
	if rows[1].Code != "A.SH" || rows[2].Code != "C.SH" {
		t.Errorf("tie order not first-seen: %s, %s", rows[1].Code, rows[2].Code)
	}
	if rows[1].RankRule != 2 || rows[2].RankRule != 3 {
		t.Errorf("ranks = %d, %d", rows[1].RankRule, rows[2].RankRule)
	}
}
