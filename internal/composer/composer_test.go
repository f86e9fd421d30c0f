package composer

import (
	"math"
	"testing"

	"github.com/quantops/nightshift/internal/config"
	"github.com/quantops/nightshift/internal/oracle"
	"github.com/quantops/nightshift/internal/scoring"
)

func modelCfg(mode string) config.Model {
	return config.Model{
		Enabled:      true,
		Mode:         mode,
		RerankWeight: 0.25,
		RiskGate: config.RiskGate{
			VetoSeverityGE: 3,
			VetoProbGT:     0.30,
			DownweightK:    0.50,
		},
	}
}

func scoredRow(code string, final float64) scoring.Scored {
	s := scoring.Scored{}
	s.Code = code
	s.Member = true
	s.ScoreRule = final
	s.FinalScore = final
	return s
}

func ensWith(alpha, prob float64, sev int) oracle.Ensemble {
	return oracle.Ensemble{AlphaFinal: alpha, RiskProbFinal: prob, RiskSevFinal: sev}
}

func TestVetoBeatsAlpha(t *testing.T) {
	rows := []scoring.Scored{scoredRow("A.SH", 0.9), scoredRow("B.SH", 0.1)}
	ens := map[string]oracle.Ensemble{
		// Maximum bullish alpha, but severity and probability both over
		// the veto line: the name must still drop to the floor.
		"A.SH": ensWith(3.0, 0.35, 3),
	}

	out := Compose(rows, ens, modelCfg(ModeRerank))

	var a Composed
	for _, c := range out {
		if c.Code == "A.SH" {
			a = c
		}
	}
	if a.Action != ActionVeto {
		t.Fatalf("action = %s, want %s", a.Action, ActionVeto)
	}
	if a.FinalScore != scoring.MinScore {
		t.Errorf("vetoed score = %v, want sentinel", a.FinalScore)
	}
	if out[0].Code != "B.SH" {
		t.Errorf("vetoed name must not outrank anything, order=%v", []string{out[0].Code, out[1].Code})
	}
	if len(out) != 2 {
		t.Errorf("vetoed rows stay visible, len=%d", len(out))
	}
}

func TestVetoNeedsBothConditions(t *testing.T) {
	testCases := []struct {
		name string
		prob float64
		sev  int
		want string
	}{
		{"severe_but_unlikely", 0.30, 4, ActionDownweight}, // prob not strictly over
		{"likely_but_mild", 0.90, 2, ActionDownweight},
		{"both_over", 0.31, 3, ActionVeto},
		{"clean", 0.0, 0, ActionPass},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rows := []scoring.Scored{scoredRow("X.SH", 0.5)}
			out := Compose(rows, map[string]oracle.Ensemble{"X.SH": ensWith(0, tc.prob, tc.sev)}, modelCfg(ModeRerank))
			if out[0].Action != tc.want {
				t.Errorf("prob=%v sev=%d: action = %s, want %s", tc.prob, tc.sev, out[0].Action, tc.want)
			}
		})
	}
}

func TestRerankBoost(t *testing.T) {
	rows := []scoring.Scored{scoredRow("A.SH", 0.5)}
	ens := map[string]oracle.Ensemble{"A.SH": ensWith(2.0, 0, 0)}

	out := Compose(rows, ens, modelCfg(ModeRerank))
	want := 0.5 + 0.25*2.0*5.0
	if math.Abs(out[0].FinalScore-want) > 1e-12 {
		t.Errorf("final = %v, want %v", out[0].FinalScore, want)
	}

	// Alpha clamps at ±3 before scaling.
	out = Compose(rows, map[string]oracle.Ensemble{"A.SH": ensWith(50, 0, 0)}, modelCfg(ModeRerank))
	want = 0.5 + 0.25*3.0*5.0
	if math.Abs(out[0].FinalScore-want) > 1e-12 {
		t.Errorf("clamped final = %v, want %v", out[0].FinalScore, want)
	}
}

func TestShadowModeLeavesScoreAlone(t *testing.T) {
	rows := []scoring.Scored{scoredRow("A.SH", 0.5)}
	ens := map[string]oracle.Ensemble{"A.SH": ensWith(3.0, 0, 0)}

	out := Compose(rows, ens, modelCfg(ModeShadow))
	if out[0].FinalScore != 0.5 {
		t.Errorf("shadow mode must not move the score, got %v", out[0].FinalScore)
	}
	if !out[0].HasEns {
		t.Error("shadow mode still records the ensemble")
	}
}

func TestDownweightScalesByProbability(t *testing.T) {
	rows := []scoring.Scored{scoredRow("A.SH", 1.0)}
	out := Compose(rows, map[string]oracle.Ensemble{"A.SH": ensWith(0, 0.4, 1)}, modelCfg(ModeShadow))

	want := 1.0 * (1 - 0.5*0.4)
	if math.Abs(out[0].FinalScore-want) > 1e-12 {
		t.Errorf("final = %v, want %v", out[0].FinalScore, want)
	}
	if out[0].Action != ActionDownweight {
		t.Errorf("action = %s", out[0].Action)
	}
}

func TestNonMemberStaysFloored(t *testing.T) {
	row := scoring.Scored{}
	row.Code = "ST.SH"
	row.Member = false
	row.FinalScore = scoring.MinScore

	out := Compose([]scoring.Scored{row}, map[string]oracle.Ensemble{
		"ST.SH": ensWith(3.0, 0, 0),
	}, modelCfg(ModeRerank))

	if out[0].FinalScore != scoring.MinScore {
		t.Errorf("excluded instrument resurfaced with score %v", out[0].FinalScore)
	}
}

func TestStableRankAssignment(t *testing.T) {
	rows := []scoring.Scored{
		scoredRow("A.SH", 0.3),
		scoredRow("B.SH", 0.3),
		scoredRow("C.SH", 0.7),
	}
	out := Compose(rows, nil, modelCfg(ModeShadow))

	if out[0].Code != "C.SH" || out[0].RankFinal != 1 {
		t.Fatalf("top = %s rank %d", out[0].Code, out[0].RankFinal)
	}
	// Equal scores keep input order.
	if out[1].Code != "A.SH" || out[2].Code != "B.SH" {
		t.Errorf("tie order changed: %s, %s", out[1].Code, out[2].Code)
	}
}
