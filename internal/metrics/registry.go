// Package metrics defines the logical metric catalogue: for every metric
// id, which source serves it, how to build the upstream request, how to
// parse the raw payload into a typed value, and how long the result stays
// fresh.
package metrics

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"usdfc-telemetry/internal/abicodec"
	"usdfc-telemetry/internal/source"
)

// Metric identifiers.
const (
	IDProtocolMetrics = "protocol_metrics"
	IDTroves          = "troves"
	IDFILPrice        = "fil_price"
	IDTotalSupply     = "total_supply"
	IDUSDFCPrice      = "usdfc_price"
	IDDexPools        = "dex_pools"
	IDTransfers       = "transfers"
	IDTokenHolders    = "token_holders"
	IDHolderCount     = "holder_count"
	IDLendingMarkets  = "lending_markets"
	IDDailyVolumes    = "daily_volumes"

	IDStabilityPoolTransfers = "stability_pool_transfers"
	IDOrderBook              = "order_book"
	IDLendingTrades          = "lending_trades"
)

// currencyUSDFC is "USDFC" right-padded to bytes32, the currency key the
// fixed-rate subgraph indexes markets under.
const currencyUSDFC = "0x5553444643000000000000000000000000000000000000000000000000000000"

// Contracts are the protocol contract addresses the RPC metrics call into.
type Contracts struct {
	Token            common.Address
	TroveManager     common.Address
	PriceFeed        common.Address
	StabilityPool    common.Address
	MultiTroveGetter common.Address
}

// ParseError reports a payload that did not match the expected native
// format. Deterministic for the same input; never retried.
type ParseError struct {
	Metric string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s payload: %v", e.Metric, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Definition binds one metric id to its source, request shape, parser and
// freshness window. Definitions are immutable after registry construction.
type Definition struct {
	ID      string
	Source  string
	TTL     time.Duration
	Request func(params map[string]string) (source.Request, error)
	Parse   func(payload source.Payload) (any, error)
}

// Registry holds every metric definition, keyed by id.
type Registry struct {
	defs map[string]Definition
}

// Get looks up a metric definition.
func (r *Registry) Get(id string) (Definition, bool) {
	def, ok := r.defs[id]
	return def, ok
}

// IDs lists the registered metric ids in stable order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Method selectors for the protocol contracts.
var (
	selTotalSupply      = abicodec.Selector("totalSupply()")
	selSystemColl       = abicodec.Selector("getEntireSystemColl()")
	selTroveOwnersCount = abicodec.Selector("getTroveOwnersCount()")
	selLastGoodPrice    = abicodec.Selector("lastGoodPrice()")
	selStabilityDeposit = abicodec.Selector("getTotalDebtTokenDeposits()")
	selSystemDebt       = abicodec.Selector("getEntireSystemDebt()")
)

var troveSchema = abicodec.Schema{
	abicodec.Array("troves", abicodec.Tuple("",
		abicodec.Address("owner"),
		abicodec.Uint256("debt"),
		abicodec.Uint256("coll"),
		abicodec.Uint256("stake"),
		abicodec.Uint256("snapshotFIL"),
		abicodec.Uint256("snapshotDebt"),
	)),
}

// NewRegistry builds the metric catalogue. ttls overrides the per-metric
// default freshness windows.
func NewRegistry(contracts Contracts, token string, ttls map[string]time.Duration) *Registry {
	r := &Registry{defs: make(map[string]Definition)}

	add := func(def Definition, defaultTTL time.Duration) {
		def.TTL = defaultTTL
		if ttl, ok := ttls[def.ID]; ok && ttl > 0 {
			def.TTL = ttl
		}
		r.defs[def.ID] = def
	}

	add(protocolMetricsDef(contracts), 15*time.Second)
	add(trovesDef(contracts), 120*time.Second)
	add(singleUintDef(IDFILPrice, contracts.PriceFeed, selLastGoodPrice), 30*time.Second)
	add(singleUintDef(IDTotalSupply, contracts.Token, selTotalSupply), 60*time.Second)
	add(usdfcPriceDef(token), 30*time.Second)
	add(dexPoolsDef(token), 60*time.Second)
	add(transfersDef(token), 15*time.Second)
	add(tokenHoldersDef(token), 300*time.Second)
	add(holderCountDef(token), 300*time.Second)
	add(lendingMarketsDef(), 60*time.Second)
	add(dailyVolumesDef(), 300*time.Second)
	add(stabilityPoolTransfersDef(contracts.StabilityPool, token), 15*time.Second)
	add(orderBookDef(), 30*time.Second)
	add(lendingTradesDef(), 60*time.Second)

	return r
}

func call(to common.Address, sel [4]byte) source.ContractCall {
	return source.ContractCall{To: to, Data: sel[:]}
}

func decodeWei(frame []byte) (decimal.Decimal, error) {
	vals, err := abicodec.Decode(abicodec.Schema{abicodec.Uint256("value")}, frame)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return weiToDecimal(vals[0].(*big.Int)), nil
}

func protocolMetricsDef(c Contracts) Definition {
	return Definition{
		ID:     IDProtocolMetrics,
		Source: source.NameRPC,
		Request: func(map[string]string) (source.Request, error) {
			return source.Request{Calls: []source.ContractCall{
				call(c.Token, selTotalSupply),
				call(c.TroveManager, selSystemColl),
				call(c.TroveManager, selTroveOwnersCount),
				call(c.PriceFeed, selLastGoodPrice),
				call(c.StabilityPool, selStabilityDeposit),
				// Reverts on some TroveManager versions; the supply then
				// stands in for system debt.
				{To: c.TroveManager, Data: selSystemDebt[:], Optional: true},
			}}, nil
		},
		Parse: func(p source.Payload) (any, error) {
			if len(p.Frames) != 6 {
				return nil, &ParseError{Metric: IDProtocolMetrics, Err: fmt.Errorf("expected 6 frames, got %d", len(p.Frames))}
			}

			supply, err := decodeWei(p.Frames[0])
			if err != nil {
				return nil, err
			}
			coll, err := decodeWei(p.Frames[1])
			if err != nil {
				return nil, err
			}
			countVals, err := abicodec.Decode(abicodec.Schema{abicodec.Uint256("count")}, p.Frames[2])
			if err != nil {
				return nil, err
			}
			price, err := decodeWei(p.Frames[3])
			if err != nil {
				return nil, err
			}
			stability, err := decodeWei(p.Frames[4])
			if err != nil {
				return nil, err
			}

			m := ProtocolMetrics{
				TotalSupply:     supply,
				TotalCollateral: coll,
				TroveCount:      countVals[0].(*big.Int).Int64(),
				FILPrice:        price,
				StabilityPool:   stability,
			}

			if len(p.Frames[5]) > 0 {
				debt, err := decodeWei(p.Frames[5])
				if err != nil {
					return nil, err
				}
				m.TotalDebt = debt
			} else {
				m.TotalDebt = supply
				m.DebtFromSupply = true
			}

			m.TCR = computeTCR(m.TotalCollateral, m.FILPrice, m.TotalDebt)
			return m, nil
		},
	}
}

// computeTCR returns collateral value over debt as a percentage. A debtless
// system reports the 999999 sentinel the dashboard renders as infinite.
func computeTCR(coll, price, debt decimal.Decimal) decimal.Decimal {
	if debt.IsZero() {
		return decimal.NewFromInt(999999)
	}
	return coll.Mul(price).Div(debt).Mul(decimal.NewFromInt(100))
}

func trovesDef(c Contracts) Definition {
	return Definition{
		ID:     IDTroves,
		Source: source.NameRPC,
		Request: func(params map[string]string) (source.Request, error) {
			limit, err := limitParam(params, 50, 500)
			if err != nil {
				return source.Request{}, err
			}
			data, err := abicodec.PackCall("getMultipleSortedTroves(int256,uint256)",
				big.NewInt(-1), big.NewInt(limit))
			if err != nil {
				return source.Request{}, err
			}
			return source.Request{Calls: []source.ContractCall{{To: c.MultiTroveGetter, Data: data}}}, nil
		},
		Parse: func(p source.Payload) (any, error) {
			if len(p.Frames) != 1 {
				return nil, &ParseError{Metric: IDTroves, Err: fmt.Errorf("expected 1 frame, got %d", len(p.Frames))}
			}
			vals, err := abicodec.Decode(troveSchema, p.Frames[0])
			if err != nil {
				return nil, err
			}

			raw := vals[0].([]any)
			troves := make([]TroveRecord, 0, len(raw))
			for _, rec := range raw {
				fields := rec.([]any)
				troves = append(troves, TroveRecord{
					Owner:        fields[0].(common.Address).Hex(),
					Debt:         weiToDecimal(fields[1].(*big.Int)),
					Collateral:   weiToDecimal(fields[2].(*big.Int)),
					Stake:        weiToDecimal(fields[3].(*big.Int)),
					SnapshotFIL:  weiToDecimal(fields[4].(*big.Int)),
					SnapshotDebt: weiToDecimal(fields[5].(*big.Int)),
				})
			}
			return troves, nil
		},
	}
}

func singleUintDef(id string, to common.Address, sel [4]byte) Definition {
	return Definition{
		ID:     id,
		Source: source.NameRPC,
		Request: func(map[string]string) (source.Request, error) {
			return source.Request{Calls: []source.ContractCall{call(to, sel)}}, nil
		},
		Parse: func(p source.Payload) (any, error) {
			if len(p.Frames) != 1 {
				return nil, &ParseError{Metric: id, Err: fmt.Errorf("expected 1 frame, got %d", len(p.Frames))}
			}
			return decodeWei(p.Frames[0])
		},
	}
}

func usdfcPriceDef(token string) Definition {
	type tokenResponse struct {
		Data struct {
			Attributes struct {
				PriceUSD     string `json:"price_usd"`
				MarketCapUSD string `json:"market_cap_usd"`
				VolumeUSD    struct {
					H24 string `json:"h24"`
				} `json:"volume_usd"`
			} `json:"attributes"`
		} `json:"data"`
	}

	return Definition{
		ID:     IDUSDFCPrice,
		Source: source.NameGecko,
		Request: func(map[string]string) (source.Request, error) {
			return source.Request{Path: "/tokens/" + token}, nil
		},
		Parse: func(p source.Payload) (any, error) {
			var resp tokenResponse
			if err := unmarshalFrame(IDUSDFCPrice, p, &resp); err != nil {
				return nil, err
			}
			attrs := resp.Data.Attributes

			price, err := parseDecimal(IDUSDFCPrice, "price_usd", attrs.PriceUSD)
			if err != nil {
				return nil, err
			}
			volume, err := parseDecimal(IDUSDFCPrice, "volume_usd.h24", attrs.VolumeUSD.H24)
			if err != nil {
				return nil, err
			}
			mcap, err := parseDecimal(IDUSDFCPrice, "market_cap_usd", attrs.MarketCapUSD)
			if err != nil {
				return nil, err
			}
			return PriceData{PriceUSD: price, Volume24hUSD: volume, MarketCapUSD: mcap}, nil
		},
	}
}

func dexPoolsDef(token string) Definition {
	type poolsResponse struct {
		Data []struct {
			Attributes struct {
				Name              string `json:"name"`
				BaseTokenPriceUSD string `json:"base_token_price_usd"`
				ReserveInUSD      string `json:"reserve_in_usd"`
				VolumeUSD         struct {
					H24 string `json:"h24"`
				} `json:"volume_usd"`
			} `json:"attributes"`
		} `json:"data"`
	}

	return Definition{
		ID:     IDDexPools,
		Source: source.NameGecko,
		Request: func(map[string]string) (source.Request, error) {
			return source.Request{Path: "/tokens/" + token + "/pools"}, nil
		},
		Parse: func(p source.Payload) (any, error) {
			var resp poolsResponse
			if err := unmarshalFrame(IDDexPools, p, &resp); err != nil {
				return nil, err
			}

			pools := make([]PoolStat, 0, len(resp.Data))
			for _, item := range resp.Data {
				price, err := parseDecimal(IDDexPools, "base_token_price_usd", item.Attributes.BaseTokenPriceUSD)
				if err != nil {
					return nil, err
				}
				reserve, err := parseDecimal(IDDexPools, "reserve_in_usd", item.Attributes.ReserveInUSD)
				if err != nil {
					return nil, err
				}
				volume, err := parseDecimal(IDDexPools, "volume_usd.h24", item.Attributes.VolumeUSD.H24)
				if err != nil {
					return nil, err
				}
				pools = append(pools, PoolStat{
					Name:         item.Attributes.Name,
					PriceUSD:     price,
					ReserveUSD:   reserve,
					Volume24hUSD: volume,
				})
			}
			return pools, nil
		},
	}
}

func transfersDef(token string) Definition {
	return Definition{
		ID:     IDTransfers,
		Source: source.NameBlockscout,
		Request: func(map[string]string) (source.Request, error) {
			// Blockscout v2 ignores a limit param and returns one page.
			return source.Request{Path: "/tokens/" + token + "/transfers"}, nil
		},
		Parse: func(p source.Payload) (any, error) {
			return parseTransfers(IDTransfers, p)
		},
	}
}

// stabilityPoolTransfersDef tracks token movement in and out of the
// Stability Pool address, the same Blockscout shape as the token-wide feed.
func stabilityPoolTransfersDef(pool common.Address, token string) Definition {
	return Definition{
		ID:     IDStabilityPoolTransfers,
		Source: source.NameBlockscout,
		Request: func(map[string]string) (source.Request, error) {
			return source.Request{
				Path:  "/addresses/" + pool.Hex() + "/token-transfers",
				Query: url.Values{"token": {token}},
			}, nil
		},
		Parse: func(p source.Payload) (any, error) {
			return parseTransfers(IDStabilityPoolTransfers, p)
		},
	}
}

func parseTransfers(metric string, p source.Payload) ([]Transfer, error) {
	var resp struct {
		Items []struct {
			TransactionHash string `json:"transaction_hash"`
			Timestamp       string `json:"timestamp"`
			From            struct {
				Hash string `json:"hash"`
			} `json:"from"`
			To struct {
				Hash string `json:"hash"`
			} `json:"to"`
			Total struct {
				Value    string `json:"value"`
				Decimals string `json:"decimals"`
			} `json:"total"`
		} `json:"items"`
	}
	if err := unmarshalFrame(metric, p, &resp); err != nil {
		return nil, err
	}

	transfers := make([]Transfer, 0, len(resp.Items))
	for _, item := range resp.Items {
		amount, err := parseTokenAmount(item.Total.Value, item.Total.Decimals)
		if err != nil {
			return nil, &ParseError{Metric: metric, Err: err}
		}
		ts, err := time.Parse(time.RFC3339, item.Timestamp)
		if err != nil {
			return nil, &ParseError{Metric: metric, Err: fmt.Errorf("timestamp %q: %w", item.Timestamp, err)}
		}
		transfers = append(transfers, Transfer{
			Hash:      item.TransactionHash,
			From:      item.From.Hash,
			To:        item.To.Hash,
			Amount:    amount,
			Timestamp: ts,
		})
	}
	return transfers, nil
}

func tokenHoldersDef(token string) Definition {
	type holdersResponse struct {
		Items []struct {
			Address struct {
				Hash string `json:"hash"`
			} `json:"address"`
			Value string `json:"value"`
		} `json:"items"`
	}

	return Definition{
		ID:     IDTokenHolders,
		Source: source.NameBlockscout,
		Request: func(map[string]string) (source.Request, error) {
			return source.Request{Path: "/tokens/" + token + "/holders"}, nil
		},
		Parse: func(p source.Payload) (any, error) {
			var resp holdersResponse
			if err := unmarshalFrame(IDTokenHolders, p, &resp); err != nil {
				return nil, err
			}

			holders := make([]Holder, 0, len(resp.Items))
			for _, item := range resp.Items {
				balance, err := parseTokenAmount(item.Value, "18")
				if err != nil {
					return nil, &ParseError{Metric: IDTokenHolders, Err: err}
				}
				holders = append(holders, Holder{Address: item.Address.Hash, Balance: balance})
			}
			return holders, nil
		},
	}
}

func holderCountDef(token string) Definition {
	type countersResponse struct {
		TokenHoldersCount string `json:"token_holders_count"`
	}

	return Definition{
		ID:     IDHolderCount,
		Source: source.NameBlockscout,
		Request: func(map[string]string) (source.Request, error) {
			return source.Request{Path: "/tokens/" + token + "/counters"}, nil
		},
		Parse: func(p source.Payload) (any, error) {
			var resp countersResponse
			if err := unmarshalFrame(IDHolderCount, p, &resp); err != nil {
				return nil, err
			}
			count, err := strconv.ParseUint(resp.TokenHoldersCount, 10, 64)
			if err != nil {
				return nil, &ParseError{Metric: IDHolderCount, Err: fmt.Errorf("token_holders_count %q: %w", resp.TokenHoldersCount, err)}
			}
			return count, nil
		},
	}
}

func lendingMarketsDef() Definition {
	type marketsData struct {
		LendingMarkets []struct {
			ID                  string  `json:"id"`
			Currency            string  `json:"currency"`
			Maturity            string  `json:"maturity"`
			IsActive            bool    `json:"isActive"`
			LastLendUnitPrice   *string `json:"lastLendUnitPrice"`
			LastBorrowUnitPrice *string `json:"lastBorrowUnitPrice"`
			Volume              *string `json:"volume"`
		} `json:"lendingMarkets"`
	}

	const query = `query {
  lendingMarkets(orderBy: maturity, orderDirection: asc) {
    id
    currency
    maturity
    isActive
    lastLendUnitPrice
    lastBorrowUnitPrice
    volume
  }
}`

	return Definition{
		ID:     IDLendingMarkets,
		Source: source.NameSubgraph,
		Request: func(map[string]string) (source.Request, error) {
			return source.Request{GraphQL: query}, nil
		},
		Parse: func(p source.Payload) (any, error) {
			var data marketsData
			if err := unmarshalFrame(IDLendingMarkets, p, &data); err != nil {
				return nil, err
			}

			markets := make([]LendingMarket, 0, len(data.LendingMarkets))
			for _, item := range data.LendingMarkets {
				m := LendingMarket{
					ID:       item.ID,
					Currency: item.Currency,
					Maturity: item.Maturity,
					Active:   item.IsActive,
				}
				var err error
				if m.LastLendUnitPrice, err = parseOptionalDecimal(IDLendingMarkets, item.LastLendUnitPrice); err != nil {
					return nil, err
				}
				if m.LastBorrowUnitPrice, err = parseOptionalDecimal(IDLendingMarkets, item.LastBorrowUnitPrice); err != nil {
					return nil, err
				}
				if m.Volume, err = parseOptionalDecimal(IDLendingMarkets, item.Volume); err != nil {
					return nil, err
				}
				markets = append(markets, m)
			}
			return markets, nil
		},
	}
}

func dailyVolumesDef() Definition {
	type volumesData struct {
		DailyVolumes []struct {
			Day      string `json:"day"`
			Currency string `json:"currency"`
			Volume   string `json:"volume"`
		} `json:"dailyVolumes"`
	}

	const query = `query($first: Int!) {
  dailyVolumes(first: $first, orderBy: timestamp, orderDirection: desc) {
    id
    currency
    day
    volume
    timestamp
  }
}`

	return Definition{
		ID:     IDDailyVolumes,
		Source: source.NameSubgraph,
		Request: func(params map[string]string) (source.Request, error) {
			days, err := limitParam(params, 30, 365)
			if err != nil {
				return source.Request{}, err
			}
			return source.Request{GraphQL: query, Variables: map[string]any{"first": days}}, nil
		},
		Parse: func(p source.Payload) (any, error) {
			var data volumesData
			if err := unmarshalFrame(IDDailyVolumes, p, &data); err != nil {
				return nil, err
			}

			volumes := make([]DailyVolume, 0, len(data.DailyVolumes))
			for _, item := range data.DailyVolumes {
				volume, err := parseDecimal(IDDailyVolumes, "volume", item.Volume)
				if err != nil {
					return nil, err
				}
				volumes = append(volumes, DailyVolume{Day: item.Day, Currency: item.Currency, Volume: volume})
			}
			return volumes, nil
		},
	}
}

const orderBookFields = `
    id
    side
    maturity
    inputAmount
    filledAmount
    inputUnitPrice
  `

func orderBookDef() Definition {
	type ordersData struct {
		Orders []struct {
			ID             string `json:"id"`
			Side           int    `json:"side"`
			Maturity       string `json:"maturity"`
			InputAmount    string `json:"inputAmount"`
			FilledAmount   string `json:"filledAmount"`
			InputUnitPrice string `json:"inputUnitPrice"`
		} `json:"orders"`
	}

	const query = `query($first: Int!, $currency: String!) {
  orders(first: $first, where: {currency: $currency, status: "Open"}, orderBy: inputUnitPrice, orderDirection: desc) {` + orderBookFields + `}
}`
	const queryWithMaturity = `query($first: Int!, $currency: String!, $maturity: String!) {
  orders(first: $first, where: {currency: $currency, status: "Open", maturity: $maturity}, orderBy: inputUnitPrice, orderDirection: desc) {` + orderBookFields + `}
}`

	return Definition{
		ID:     IDOrderBook,
		Source: source.NameSubgraph,
		Request: func(params map[string]string) (source.Request, error) {
			limit, err := limitParam(params, 100, 500)
			if err != nil {
				return source.Request{}, err
			}
			vars := map[string]any{"first": limit, "currency": currencyUSDFC}
			doc := query
			if m := params["maturity"]; m != "" {
				doc = queryWithMaturity
				vars["maturity"] = m
			}
			return source.Request{GraphQL: doc, Variables: vars}, nil
		},
		Parse: func(p source.Payload) (any, error) {
			var data ordersData
			if err := unmarshalFrame(IDOrderBook, p, &data); err != nil {
				return nil, err
			}

			// Orders with unparseable fields are dropped rather than turned
			// into zeroed entries.
			now := time.Now().UTC()
			book := OrderBook{LendOrders: []Order{}, BorrowOrders: []Order{}}
			for _, item := range data.Orders {
				order, ok := convertOrder(item.ID, item.Maturity, item.InputAmount, item.FilledAmount, item.InputUnitPrice, item.Side, now)
				if !ok {
					continue
				}
				if order.Side == "lend" {
					book.LendOrders = append(book.LendOrders, order)
				} else {
					book.BorrowOrders = append(book.BorrowOrders, order)
				}
			}

			// Best bid first on the lend side, best ask first on the borrow
			// side.
			sort.SliceStable(book.LendOrders, func(i, j int) bool {
				return book.LendOrders[i].Price.GreaterThan(book.LendOrders[j].Price)
			})
			sort.SliceStable(book.BorrowOrders, func(i, j int) bool {
				return book.BorrowOrders[i].Price.LessThan(book.BorrowOrders[j].Price)
			})

			if len(book.LendOrders) > 0 {
				book.BestLendPrice = book.LendOrders[0].Price
			}
			if len(book.BorrowOrders) > 0 {
				book.BestBorrowPrice = book.BorrowOrders[0].Price
			}
			if len(book.LendOrders) > 0 && len(book.BorrowOrders) > 0 {
				book.SpreadBps = book.BestBorrowPrice.Sub(book.BestLendPrice).Shift(4)
			}
			return book, nil
		},
	}
}

func convertOrder(id, maturity, amountRaw, filledRaw, unitPriceRaw string, side int, now time.Time) (Order, bool) {
	amount, err := decimal.NewFromString(amountRaw)
	if err != nil {
		return Order{}, false
	}
	filled, err := decimal.NewFromString(filledRaw)
	if err != nil {
		return Order{}, false
	}
	unit, err := decimal.NewFromString(unitPriceRaw)
	if err != nil {
		return Order{}, false
	}
	maturityTS, err := strconv.ParseInt(maturity, 10, 64)
	if err != nil {
		return Order{}, false
	}

	sideName := "lend"
	if side != 0 {
		sideName = "borrow"
	}
	return Order{
		ID:       id,
		Side:     sideName,
		Maturity: maturity,
		Amount:   amount.Shift(-18),
		Filled:   filled.Shift(-18),
		Price:    unit.Shift(-4),
		APR:      unitPriceToAPR(unit, maturityTS, now),
	}, true
}

func lendingTradesDef() Definition {
	type transactionsData struct {
		Transactions []struct {
			ID             string  `json:"id"`
			Currency       string  `json:"currency"`
			Maturity       string  `json:"maturity"`
			Side           int     `json:"side"`
			Amount         string  `json:"amount"`
			ExecutionPrice *string `json:"executionPrice"`
			CreatedAt      string  `json:"createdAt"`
		} `json:"transactions"`
	}

	const query = `query($first: Int!) {
  transactions(first: $first, orderBy: createdAt, orderDirection: desc) {
    id
    currency
    maturity
    side
    amount
    executionPrice
    createdAt
  }
}`

	return Definition{
		ID:     IDLendingTrades,
		Source: source.NameSubgraph,
		Request: func(params map[string]string) (source.Request, error) {
			limit, err := limitParam(params, 20, 100)
			if err != nil {
				return source.Request{}, err
			}
			return source.Request{GraphQL: query, Variables: map[string]any{"first": limit}}, nil
		},
		Parse: func(p source.Payload) (any, error) {
			var data transactionsData
			if err := unmarshalFrame(IDLendingTrades, p, &data); err != nil {
				return nil, err
			}

			now := time.Now().UTC()
			trades := make([]LendingTrade, 0, len(data.Transactions))
			for _, item := range data.Transactions {
				// Unpriced or malformed transactions are dropped.
				if item.ExecutionPrice == nil {
					continue
				}
				unit, err := decimal.NewFromString(*item.ExecutionPrice)
				if err != nil {
					continue
				}
				amount, err := decimal.NewFromString(item.Amount)
				if err != nil {
					continue
				}
				maturityTS, err := strconv.ParseInt(item.Maturity, 10, 64)
				if err != nil {
					continue
				}
				ts, err := strconv.ParseInt(item.CreatedAt, 10, 64)
				if err != nil {
					continue
				}

				side := "lend"
				if item.Side != 0 {
					side = "borrow"
				}
				trades = append(trades, LendingTrade{
					ID:        item.ID,
					Currency:  decodeCurrency(item.Currency),
					Maturity:  item.Maturity,
					Side:      side,
					Amount:    amount.Shift(-18),
					Price:     unit.Shift(-4),
					APR:       unitPriceToAPR(unit, maturityTS, now),
					Timestamp: ts,
				})
			}
			return trades, nil
		},
	}
}

// unitPriceToAPR converts a basis-point bond price into a simple annualised
// discount rate. Out-of-range prices yield zero.
func unitPriceToAPR(unitPrice decimal.Decimal, maturity int64, now time.Time) decimal.Decimal {
	if unitPrice.LessThanOrEqual(decimal.Zero) || unitPrice.GreaterThan(decimal.NewFromInt(10000)) {
		return decimal.Zero
	}
	days := (maturity - now.Unix()) / 86400
	if days < 1 {
		days = 1
	}
	bond := unitPrice.Shift(-4)
	discount := decimal.NewFromInt(1).Div(bond).Sub(decimal.NewFromInt(1))
	apr := discount.Mul(decimal.NewFromInt(365)).Div(decimal.NewFromInt(days)).Mul(decimal.NewFromInt(100))
	if apr.IsNegative() {
		return decimal.Zero
	}
	return apr
}

// decodeCurrency renders a bytes32 currency key as its ASCII name.
func decodeCurrency(bytes32 string) string {
	raw, err := hex.DecodeString(strings.TrimPrefix(bytes32, "0x"))
	if err != nil {
		return bytes32
	}
	var b strings.Builder
	for _, c := range raw {
		if c > 0 && c < 128 {
			b.WriteByte(c)
		}
	}
	return strings.TrimSpace(b.String())
}

func unmarshalFrame(metric string, p source.Payload, out any) error {
	if len(p.Frames) != 1 {
		return &ParseError{Metric: metric, Err: fmt.Errorf("expected 1 frame, got %d", len(p.Frames))}
	}
	if err := json.Unmarshal(p.Frames[0], out); err != nil {
		return &ParseError{Metric: metric, Err: err}
	}
	return nil
}

func parseDecimal(metric, field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, &ParseError{Metric: metric, Err: fmt.Errorf("%s %q: %w", field, raw, err)}
	}
	return d, nil
}

func parseOptionalDecimal(metric string, raw *string) (decimal.Decimal, error) {
	if raw == nil || *raw == "" {
		return decimal.Decimal{}, nil
	}
	return parseDecimal(metric, "value", *raw)
}

// parseTokenAmount converts an integer string with the given decimals into
// human units.
func parseTokenAmount(value, decimals string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("amount %q: %w", value, err)
	}
	exp, err := strconv.ParseInt(decimals, 10, 32)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("decimals %q: %w", decimals, err)
	}
	return amount.Shift(int32(-exp)), nil
}

func limitParam(params map[string]string, def, max int64) (int64, error) {
	raw, ok := params["limit"]
	if !ok || raw == "" {
		return def, nil
	}
	limit, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if limit > max {
		limit = max
	}
	return limit, nil
}
