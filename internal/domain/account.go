package domain

import "time"

// Balance is the free/locked amount of one asset on the trading account.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Account is the singleton trading account for one deployment. CreateOrderAfter
// is the persisted rate-limit breaker: no worker places an order before that
// instant. It is best-effort; the exchange remains the authority and rejects
// over-limit calls regardless.
type Account struct {
	ID                    string    `json:"id"`
	Balances              []Balance `json:"balances"`
	CreateOrderAfter      time.Time `json:"create_order_after"`
	TotalBalance          float64   `json:"total_balance"`
	ListenKey             string    `json:"spot_listen_key"`
	LastListenKeyUpdate   time.Time `json:"last_listen_key_update"`
	LastOrderErrorAt      time.Time `json:"last_order_error_at"`
}

// FreeBalance returns the free amount of the given asset, zero if absent.
func (a Account) FreeBalance(asset string) float64 {
	for _, b := range a.Balances {
		if b.Asset == asset {
			return b.Free
		}
	}
	return 0
}
