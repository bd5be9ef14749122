package domain

import (
	"fmt"
	"strconv"
	"time"
)

// Candle is one enriched kline for a symbol/interval pair. The raw OHLCV
// fields come from the exchange stream; the indicator fields are precomputed
// by the candle-processing service and consumed read-only here.
type Candle struct {
	ID               string    `json:"id"`
	Symbol           string    `json:"symbol"`
	Interval         string    `json:"interval"`
	EventTime        time.Time `json:"event_time"`
	OpenTime         time.Time `json:"open_time"`
	CloseTime        time.Time `json:"close_time"`
	OpenPrice        float64   `json:"open_price"`
	ClosePrice       float64   `json:"close_price"`
	HighPrice        float64   `json:"high_price"`
	LowPrice         float64   `json:"low_price"`
	BaseAssetVolume  float64   `json:"base_asset_volume"`
	QuoteAssetVolume float64   `json:"quote_asset_volume"`

	// Indicators.
	MACD          float64 `json:"macd"`
	MACDSignal    float64 `json:"macd_signal"`
	MACDHistogram float64 `json:"macd_histogram"`
	MAMA          float64 `json:"mama"`
	FAMA          float64 `json:"fama"`
	ATR           float64 `json:"atr"`
	ATRStop       float64 `json:"atr_stop"`
	ATRSMA        float64 `json:"atr_sma"`
	Trend         int     `json:"trend"` // 1 up, -1 down
	TrendUp       float64 `json:"trend_up"`
	TrendDown     float64 `json:"trend_down"`
	ADX           float64 `json:"adx"`
	PlusDI        float64 `json:"plus_di"`
	MinusDI       float64 `json:"minus_di"`
	OBV           float64 `json:"obv"`
	OBVEMA        float64 `json:"obv_ema"`
	EMA50         float64 `json:"ema_50"`
	EMA50Slope    int     `json:"ema_50_slope"` // 1 rising, -1 falling
	VolumeTrend   int     `json:"volume_trend"`
	IsPump        bool    `json:"is_pump"`
	IsDump        bool    `json:"is_dump"`
}

// IntervalDuration converts a kline interval such as "1m", "4h", "1d" or "1w"
// to its duration.
func IntervalDuration(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	var unit time.Duration
	switch interval[len(interval)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	return time.Duration(n) * unit, nil
}
