package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Paths struct {
	DBPath          string `yaml:"db_path"`           // sqlite store
	BarsPath        string `yaml:"bars_path"`         // daily bars CSV
	OutboxDir       string `yaml:"outbox_dir"`        // order export directory
	InboxDir        string `yaml:"inbox_dir"`         // terminal heartbeat directory
	StopFile        string `yaml:"stop_file"`         // kill switch sentinel
	BridgeStopFile  string `yaml:"bridge_stop_file"`  // terminal-side sentinel, checked independently
	ReconcileStatus string `yaml:"reconcile_status"`  // reconcile_status.json
	AssetExport     string `yaml:"asset_export"`      // terminal asset CSV export
	PositionsExport string `yaml:"positions_export"`  // terminal positions CSV export
	QuotesExport    string `yaml:"quotes_export"`     // pre-open quotes CSV export
	RunsDir         string `yaml:"runs_dir"`          // per-run artifacts (picks CSV)
}

type Universe struct {
	ExcludePrefixes []string `yaml:"exclude_prefixes"` // board segments, e.g. 300/301/688/689
	ExcludeSuffixes []string `yaml:"exclude_suffixes"` // exchange suffixes, e.g. .BJ
	ExcludeST       bool     `yaml:"exclude_st"`
	MaxMarketCap    float64  `yaml:"max_market_cap"` // currency units; 0 disables
}

type Scoring struct {
	TrendWeight float64 `yaml:"trend_weight"`
	FlowWeight  float64 `yaml:"flow_weight"`
	FundWeight  float64 `yaml:"fund_weight"`
	TopM        int     `yaml:"top_m"` // candidates sent to the oracles
	TopN        int     `yaml:"top_n"` // tradable picks
	WinsorLow   float64 `yaml:"winsor_low"`
	WinsorHigh  float64 `yaml:"winsor_high"`

	EnableRegime       bool    `yaml:"enable_regime"`
	EnableVolDamper    bool    `yaml:"enable_vol_damper"`
	EnableStrengthGate bool    `yaml:"enable_strength_gate"`
	StrengthMinScore   float64 `yaml:"strength_min_score"`
}

type OracleProvider struct {
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type RiskGate struct {
	VetoSeverityGE int     `yaml:"veto_severity_ge"`
	VetoProbGT     float64 `yaml:"veto_prob_gt"`
	DownweightK    float64 `yaml:"downweight_k"`
}

type Model struct {
	Enabled      bool                      `yaml:"enabled"`
	Mode         string                    `yaml:"mode"` // shadow | rerank
	RerankWeight float64                   `yaml:"rerank_weight"`
	BatchSize    int                       `yaml:"batch_size"`
	BudgetSecs   int                       `yaml:"budget_seconds"` // wall clock for the whole batch loop
	RatePerSec   float64                   `yaml:"rate_per_sec"`   // oracle request pacing
	Providers    map[string]OracleProvider `yaml:"providers"`
	RiskGate     RiskGate                  `yaml:"risk_gate"`
}

type Portfolio struct {
	TopBuy           int     `yaml:"top_buy"`  // new positions only inside this band
	TopSell          int     `yaml:"top_sell"` // holdings outside this band are closed
	LotSize          int     `yaml:"lot_size"`
	MinOrderValue    float64 `yaml:"min_order_value"`
	MaxPosPerStock   float64 `yaml:"max_pos_per_stock"`   // fraction of total assets
	MaxDailyTurnover float64 `yaml:"max_daily_turnover"`  // fraction of total assets
	CashTPlus1       bool    `yaml:"cash_t_plus_1"`       // sell proceeds unusable same day
}

type Sanity struct {
	MaxOrders        int     `yaml:"max_orders"`
	MaxOrderNotional float64 `yaml:"max_order_notional"`
}

type AssetCheck struct {
	Enabled  bool    `yaml:"enabled"`
	MaxDev   float64 `yaml:"max_dev"` // |dev ratio| above this fails, unless money-close
	AbsTol   float64 `yaml:"abs_tol"`
	RelTol   float64 `yaml:"rel_tol"`
}

type Calendar struct {
	SourceURL    string `yaml:"source_url"`
	TimeoutMs    int    `yaml:"timeout_ms"`
	LookbackDays int    `yaml:"lookback_days"`
	LookaheadDays int   `yaml:"lookahead_days"`
}

type Bridge struct {
	HeartbeatStaleSecs int `yaml:"heartbeat_stale_seconds"`
}

type Schedule struct {
	Night   string `yaml:"night"`
	Morning string `yaml:"morning"`
	Close   string `yaml:"close"`
}

type Root struct {
	StrategyID string     `yaml:"strategy_id"`
	Paths      Paths      `yaml:"paths"`
	Universe   Universe   `yaml:"universe"`
	Scoring    Scoring    `yaml:"scoring"`
	Model      Model      `yaml:"model"`
	Portfolio  Portfolio  `yaml:"portfolio"`
	Sanity     Sanity     `yaml:"sanity"`
	AssetCheck AssetCheck `yaml:"asset_check"`
	Calendar   Calendar   `yaml:"calendar"`
	Bridge     Bridge     `yaml:"bridge"`
	Schedule   Schedule   `yaml:"schedule"`
}

// Load reads the YAML config, applies defaults and loads the optional
// secret env file sitting next to it. All dynamic lookups happen here,
// once; the pipeline only ever sees the populated struct.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)

	// Secrets (oracle API keys) live in config/secret.env, never in YAML.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), "secret.env"))

	return c, nil
}

func applyDefaults(c *Root) {
	if c.StrategyID == "" {
		c.StrategyID = "NIGHTSHIFT"
	}
	if c.Paths.DBPath == "" {
		c.Paths.DBPath = "data/pipeline.db"
	}
	if c.Paths.BarsPath == "" {
		c.Paths.BarsPath = "data/daily_bars.csv"
	}
	if c.Paths.OutboxDir == "" {
		c.Paths.OutboxDir = "bridge/outbox"
	}
	if c.Paths.InboxDir == "" {
		c.Paths.InboxDir = "bridge/inbox"
	}
	if c.Paths.StopFile == "" {
		c.Paths.StopFile = "bridge/STOP"
	}
	if c.Paths.BridgeStopFile == "" {
		c.Paths.BridgeStopFile = "bridge/outbox/STOP"
	}
	if c.Paths.ReconcileStatus == "" {
		c.Paths.ReconcileStatus = "data/manual/reconcile_status.json"
	}
	if c.Paths.AssetExport == "" {
		c.Paths.AssetExport = "bridge/inbox/asset.csv"
	}
	if c.Paths.PositionsExport == "" {
		c.Paths.PositionsExport = "bridge/inbox/positions.csv"
	}
	if c.Paths.QuotesExport == "" {
		c.Paths.QuotesExport = "bridge/inbox/quotes.csv"
	}
	if c.Paths.RunsDir == "" {
		c.Paths.RunsDir = "research/runs"
	}

	if len(c.Universe.ExcludePrefixes) == 0 {
		c.Universe.ExcludePrefixes = []string{"300", "301", "688", "689"}
	}
	if len(c.Universe.ExcludeSuffixes) == 0 {
		c.Universe.ExcludeSuffixes = []string{".BJ"}
	}

	if c.Scoring.TrendWeight == 0 && c.Scoring.FlowWeight == 0 && c.Scoring.FundWeight == 0 {
		c.Scoring.TrendWeight = 0.5
		c.Scoring.FlowWeight = 0.3
		c.Scoring.FundWeight = 0.2
	}
	if c.Scoring.TopM == 0 {
		c.Scoring.TopM = 200
	}
	if c.Scoring.TopN == 0 {
		c.Scoring.TopN = 5
	}
	if c.Scoring.WinsorLow == 0 {
		c.Scoring.WinsorLow = 0.01
	}
	if c.Scoring.WinsorHigh == 0 {
		c.Scoring.WinsorHigh = 0.99
	}
	if c.Scoring.StrengthMinScore == 0 {
		c.Scoring.StrengthMinScore = 0.15
	}

	if c.Model.Mode == "" {
		c.Model.Mode = "shadow"
	}
	if c.Model.RerankWeight == 0 {
		c.Model.RerankWeight = 0.25
	}
	if c.Model.BatchSize == 0 {
		c.Model.BatchSize = 10
	}
	if c.Model.BudgetSecs == 0 {
		c.Model.BudgetSecs = 1200
	}
	if c.Model.RatePerSec == 0 {
		c.Model.RatePerSec = 2
	}
	if c.Model.RiskGate.VetoSeverityGE == 0 {
		c.Model.RiskGate.VetoSeverityGE = 3
	}
	if c.Model.RiskGate.VetoProbGT == 0 {
		c.Model.RiskGate.VetoProbGT = 0.30
	}
	if c.Model.RiskGate.DownweightK == 0 {
		c.Model.RiskGate.DownweightK = 0.50
	}
	for name, p := range c.Model.Providers {
		if p.TimeoutMs == 0 {
			p.TimeoutMs = 25000
		}
		if p.Model == "" {
			p.Model = name
		}
		c.Model.Providers[name] = p
	}

	if c.Portfolio.TopBuy == 0 {
		c.Portfolio.TopBuy = 5
	}
	if c.Portfolio.TopSell == 0 {
		c.Portfolio.TopSell = 20
	}
	if c.Portfolio.LotSize == 0 {
		c.Portfolio.LotSize = 100
	}
	if c.Portfolio.MinOrderValue == 0 {
		c.Portfolio.MinOrderValue = 2000
	}
	if c.Portfolio.MaxPosPerStock == 0 {
		c.Portfolio.MaxPosPerStock = 0.2
	}
	if c.Portfolio.MaxDailyTurnover == 0 {
		c.Portfolio.MaxDailyTurnover = 0.6
	}

	if c.Sanity.MaxOrders == 0 {
		c.Sanity.MaxOrders = 50
	}
	if c.Sanity.MaxOrderNotional == 0 {
		c.Sanity.MaxOrderNotional = 500000
	}

	if c.AssetCheck.MaxDev == 0 {
		c.AssetCheck.MaxDev = 0.05
	}
	if c.AssetCheck.AbsTol == 0 {
		c.AssetCheck.AbsTol = 0.01
	}
	if c.AssetCheck.RelTol == 0 {
		c.AssetCheck.RelTol = 1e-6
	}

	if c.Calendar.TimeoutMs == 0 {
		c.Calendar.TimeoutMs = 10000
	}
	if c.Calendar.LookbackDays == 0 {
		c.Calendar.LookbackDays = 366
	}
	if c.Calendar.LookaheadDays == 0 {
		c.Calendar.LookaheadDays = 7
	}

	if c.Bridge.HeartbeatStaleSecs == 0 {
		c.Bridge.HeartbeatStaleSecs = 120
	}
}

// Fingerprint is a stable short hash of the effective configuration.
// Every derived row is keyed by it so a config change never overwrites
// results produced under a different one.
func (c Root) Fingerprint() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

// OracleKey resolves a provider's API key from the environment.
func (p OracleProvider) OracleKey() (string, error) {
	if p.APIKeyEnv == "" {
		return "", fmt.Errorf("api_key_env not set")
	}
	k := os.Getenv(p.APIKeyEnv)
	if k == "" {
		return "", fmt.Errorf("env %s empty", p.APIKeyEnv)
	}
	return k, nil
}
