package storage

// Snapshot is one instrument on one trading date, exactly as filtered.
// Rows are append-only: a re-run with a different configuration inserts
// new rows under its own config hash instead of updating in place.
type Snapshot struct {
	TradeDate    string
	Code         string
	Name         string
	Close        float64
	PctChg       float64
	Amount       float64
	TurnoverRate float64
	TotalMV      float64
	CircMV       float64
	UniverseFlag int
	FilterReason string
}

// Pick is one instrument's final daily ranking result.
type Pick struct {
	TradeDate  string
	Code       string
	Name       string
	ScoreRule  float64
	TrendScore float64
	FundScore  float64
	FlowScore  float64
	FinalScore float64
	RankRule   int
	RankFinal  int
}

// ModelScore is one instrument's dual-oracle ensemble output for a run.
type ModelScore struct {
	TradeDate string
	Code      string

	AlphaA    float64
	RiskProbA float64
	RiskSevA  int
	ConfA     float64
	CommentA  string

	AlphaB    float64
	RiskProbB float64
	RiskSevB  int
	ConfB     float64
	CommentB  string

	AlphaFinal    float64
	RiskProbFinal float64
	RiskSevFinal  int
	Disagreement  float64
	Action        string
	DegradedReason string
}

// Target is a desired portfolio weight for a date/run.
type Target struct {
	TradeDate    string
	Code         string
	TargetWeight float64
}

// OrderRow is an exported order persisted for audit.
type OrderRow struct {
	TradeDate     string
	Code          string
	Side          string
	ClientOrderID string
	Qty           int
	PriceType     string
	LimitPrice    float64
	Notional      float64
	Reason        string
	RiskTags      string
	Status        string
}

// ReconRecord is the expected-vs-observed asset comparison for a date.
type ReconRecord struct {
	TradeDate           string
	RunID               string
	ExpectedTotalAssets float64
	RealTotalAssets     float64
	DevRatio            float64
	OK                  bool
	Detail              string
}

// Job statuses in execution_log.
const (
	StatusRunning = "RUNNING"
	StatusOK      = "OK"
	StatusFailed  = "FAILED"
)
