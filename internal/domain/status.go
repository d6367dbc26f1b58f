package domain

// Status is the lifecycle state of a strategy.
type Status string

const (
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusExperiment    Status = "EXPERIMENT"
	StatusCandidate     Status = "CANDIDATE"
	StatusProposable    Status = "PROPOSABLE"
	StatusDuplicate     Status = "DUPLICATE"
	StatusRejected      Status = "REJECTED"
	StatusDiscarded     Status = "DISCARDED"
)

// Terminal reports whether the status is a dead end. Terminal strategies are
// never selected by the workers again and keep is_active=false.
func (s Status) Terminal() bool {
	switch s {
	case StatusDiscarded, StatusRejected, StatusDuplicate:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingReview, StatusExperiment, StatusCandidate,
		StatusProposable, StatusDuplicate, StatusRejected, StatusDiscarded:
		return true
	}
	return false
}

// AssetType classifies the instrument a strategy trades.
type AssetType string

const (
	AssetEquity AssetType = "equity"
	AssetCrypto AssetType = "crypto"
	AssetFX     AssetType = "fx"
	AssetOther  AssetType = "other"
)

// MutationType identifies which genetic operator produced a child.
type MutationType string

const (
	MutationParamTweak      MutationType = "PARAM_TWEAK"
	MutationIndicatorSub    MutationType = "INDICATOR_SUB"
	MutationTimeframeChange MutationType = "TIMEFRAME_CHANGE"
	MutationAssetTransplant MutationType = "ASSET_TRANSPLANT"
	MutationCrossover       MutationType = "CROSSOVER"
)

// Side is the direction of a trading signal.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
	SideFlat Side = "FLAT"
)
