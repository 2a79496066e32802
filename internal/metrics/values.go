package metrics

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ProtocolMetrics is the headline dashboard row, assembled from one batched
// contract-call round trip.
type ProtocolMetrics struct {
	TotalSupply     decimal.Decimal `json:"total_supply"`
	TotalCollateral decimal.Decimal `json:"total_collateral"`
	TroveCount      int64           `json:"trove_count"`
	FILPrice        decimal.Decimal `json:"fil_price"`
	StabilityPool   decimal.Decimal `json:"stability_pool"`
	TotalDebt       decimal.Decimal `json:"total_debt"`
	// DebtFromSupply marks that getEntireSystemDebt reverted and the debt
	// figure is the token supply approximation. Consumers must surface it.
	DebtFromSupply bool            `json:"debt_from_supply,omitempty"`
	TCR            decimal.Decimal `json:"tcr"`
}

// TroveRecord is one collateral position from the MultiTroveGetter.
type TroveRecord struct {
	Owner        string          `json:"owner"`
	Debt         decimal.Decimal `json:"debt"`
	Collateral   decimal.Decimal `json:"collateral"`
	Stake        decimal.Decimal `json:"stake"`
	SnapshotFIL  decimal.Decimal `json:"snapshot_fil"`
	SnapshotDebt decimal.Decimal `json:"snapshot_debt"`
}

// PriceData is the DEX market view of the token.
type PriceData struct {
	PriceUSD     decimal.Decimal `json:"price_usd"`
	Volume24hUSD decimal.Decimal `json:"volume_24h_usd"`
	MarketCapUSD decimal.Decimal `json:"market_cap_usd"`
}

// PoolStat describes one DEX pool holding the token.
type PoolStat struct {
	Name         string          `json:"name"`
	PriceUSD     decimal.Decimal `json:"price_usd"`
	ReserveUSD   decimal.Decimal `json:"reserve_usd"`
	Volume24hUSD decimal.Decimal `json:"volume_24h_usd"`
}

// Transfer is one recent token transfer.
type Transfer struct {
	Hash      string          `json:"hash"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// Holder is one entry of the top-holder list.
type Holder struct {
	Address string          `json:"address"`
	Balance decimal.Decimal `json:"balance"`
}

// LendingMarket is one fixed-maturity market from the subgraph.
type LendingMarket struct {
	ID                  string          `json:"id"`
	Currency            string          `json:"currency"`
	Maturity            string          `json:"maturity"`
	Active              bool            `json:"active"`
	LastLendUnitPrice   decimal.Decimal `json:"last_lend_unit_price"`
	LastBorrowUnitPrice decimal.Decimal `json:"last_borrow_unit_price"`
	Volume              decimal.Decimal `json:"volume"`
}

// Order is one open order on the fixed-rate order book. Price is the bond
// price as a fraction of face value.
type Order struct {
	ID       string          `json:"id"`
	Side     string          `json:"side"`
	Maturity string          `json:"maturity"`
	Amount   decimal.Decimal `json:"amount"`
	Filled   decimal.Decimal `json:"filled"`
	Price    decimal.Decimal `json:"price"`
	APR      decimal.Decimal `json:"apr"`
}

// OrderBook groups open orders by side, best-priced first. The best prices
// and spread are zero when a side is empty.
type OrderBook struct {
	Maturity        string          `json:"maturity,omitempty"`
	LendOrders      []Order         `json:"lend_orders"`
	BorrowOrders    []Order         `json:"borrow_orders"`
	BestLendPrice   decimal.Decimal `json:"best_lend_price"`
	BestBorrowPrice decimal.Decimal `json:"best_borrow_price"`
	SpreadBps       decimal.Decimal `json:"spread_bps"`
}

// LendingTrade is one executed fixed-rate trade from the subgraph.
type LendingTrade struct {
	ID        string          `json:"id"`
	Currency  string          `json:"currency"`
	Maturity  string          `json:"maturity"`
	Side      string          `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	APR       decimal.Decimal `json:"apr"`
	Timestamp int64           `json:"timestamp"`
}

// DailyVolume is one day of aggregate market volume.
type DailyVolume struct {
	Day      string          `json:"day"`
	Currency string          `json:"currency"`
	Volume   decimal.Decimal `json:"volume"`
}

// weiToDecimal converts an 18-decimals integer amount to human units.
func weiToDecimal(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -18)
}
