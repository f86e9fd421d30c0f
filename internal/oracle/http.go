package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/quantops/nightshift/internal/config"
	"github.com/quantops/nightshift/internal/observ"
)

// HTTPProvider calls a generic JSON scoring endpoint: POST {model, input},
// bearer auth, expecting a JSON list aligned with the submitted items.
type HTTPProvider struct {
	name   string
	cfg    config.OracleProvider
	client *http.Client
}

func NewHTTPProvider(name string, cfg config.OracleProvider) *HTTPProvider {
	return &HTTPProvider{
		name: name,
		cfg:  cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

type promptEnvelope struct {
	Task        string         `json:"task"`
	Constraints map[string]any `json:"constraints"`
	MarketCtx   map[string]any `json:"market_context_snapshot"`
	Items       []Item         `json:"items"`
	Schema      map[string]any `json:"output_schema"`
}

func (p *HTTPProvider) ScoreBatch(ctx context.Context, items []Item, marketCtx map[string]any) Outcome {
	key, err := p.cfg.OracleKey()
	if err != nil || p.cfg.BaseURL == "" {
		return NeutralOutcome(len(items), "no_api_key_or_url")
	}

	envelope := promptEnvelope{
		Task: "instrument_dual_head_scoring",
		Constraints: map[string]any{
			"no_fabrication":      true,
			"output_json_only":    true,
			"alpha_range":         []int{-3, 3},
			"risk_prob_range":     []int{0, 1},
			"risk_severity_range": []int{1, 5},
		},
		MarketCtx: marketCtx,
		Items:     items,
		Schema: map[string]any{
			"alpha_score":   "float",
			"risk_prob":     "float",
			"risk_severity": "int",
			"risk_flags":    "list[str]",
			"confidence":    "float",
			"comment":       "str",
		},
	}

	payload, err := json.Marshal(map[string]any{"model": p.cfg.Model, "input": envelope})
	if err != nil {
		return NeutralOutcome(len(items), "marshal_error")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return NeutralOutcome(len(items), "request_error")
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		observ.Warn("oracle_http_error", map[string]any{"provider": p.name, "err": err.Error()})
		return NeutralOutcome(len(items), "http_error")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NeutralOutcome(len(items), fmt.Sprintf("http_status_%d", resp.StatusCode))
	}

	var body struct {
		Output json.RawMessage `json:"output"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return NeutralOutcome(len(items), "bad_response_json")
	}
	raw := body.Output
	if len(raw) == 0 {
		raw = body.Data
	}
	if len(raw) == 0 {
		return NeutralOutcome(len(items), "bad_response_shape")
	}

	// Some providers double-encode the list as a JSON string.
	var asString string
	if json.Unmarshal(raw, &asString) == nil {
		raw = json.RawMessage(asString)
	}

	var out []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil || len(out) != len(items) {
		return NeutralOutcome(len(items), "bad_response_shape")
	}

	scores := make([]Score, len(items))
	for i, m := range out {
		scores[i] = parseScore(m)
	}
	return Outcome{Scores: scores}
}

// parseScore fills defaults for missing keys and clamps to range; a
// field that fails to decode falls back to its neutral value.
func parseScore(m map[string]json.RawMessage) Score {
	s := Neutral()
	if v, ok := m["alpha_score"]; ok {
		var f float64
		if json.Unmarshal(v, &f) == nil {
			s.Alpha = clampFloat(f, -3, 3)
		}
	}
	if v, ok := m["risk_prob"]; ok {
		var f float64
		if json.Unmarshal(v, &f) == nil {
			s.RiskProb = clampFloat(f, 0, 1)
		}
	}
	if v, ok := m["risk_severity"]; ok {
		var n int
		if json.Unmarshal(v, &n) == nil {
			s.RiskSev = clampInt(n, 1, 5)
		}
	}
	if v, ok := m["confidence"]; ok {
		var f float64
		if json.Unmarshal(v, &f) == nil {
			s.Confidence = clampFloat(f, 0, 1)
		}
	}
	if v, ok := m["risk_flags"]; ok {
		var fl []string
		if json.Unmarshal(v, &fl) == nil {
			s.RiskFlags = fl
		}
	}
	if v, ok := m["comment"]; ok {
		var c string
		if json.Unmarshal(v, &c) == nil {
			s.Comment = c
		}
	}
	return s
}
