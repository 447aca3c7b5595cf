package kraken

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// apiResponse is the envelope every Kraken REST endpoint returns. Errors is
// non-empty on failure; Result holds the endpoint-specific payload.
type apiResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// number decodes Kraken's string-encoded decimal fields.
type number float64

func (n *number) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		if v == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("kraken: parse number %q: %w", v, err)
		}
		*n = number(f)
	case float64:
		*n = number(v)
	default:
		return fmt.Errorf("kraken: unexpected number type %T", raw)
	}
	return nil
}

// tickerInfo is one pair's entry in the Ticker response. C is the last trade
// closed as [price, lot volume].
type tickerInfo struct {
	C []number `json:"c"`
}

// assetPairInfo is one pair's entry in the AssetPairs response.
type assetPairInfo struct {
	Altname      string `json:"altname"`
	WSName       string `json:"wsname"`
	Base         string `json:"base"`
	Quote        string `json:"quote"`
	PairDecimals int    `json:"pair_decimals"`
	LotDecimals  int    `json:"lot_decimals"`
	OrderMin     number `json:"ordermin"`
	Status       string `json:"status"`
}

// orderInfo is one order's entry in the QueryOrders response.
type orderInfo struct {
	Status     string `json:"status"` // pending, open, closed, canceled, expired
	Volume     number `json:"vol"`
	VolumeExec number `json:"vol_exec"`
	Price      number `json:"price"` // average fill price
	Fee        number `json:"fee"`
	Descr      struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
}

// addOrderResult is the AddOrder response payload.
type addOrderResult struct {
	TxID  []string `json:"txid"`
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
}

// tradeBalanceResult is the TradeBalance response payload. EB is the
// combined balance of all currencies in the requested asset; MF is the free
// margin available.
type tradeBalanceResult struct {
	EquivalentBalance number `json:"eb"`
	TradeBalance      number `json:"tb"`
	FreeMargin        number `json:"mf"`
}

// wsTickerPayload is the ticker data object inside a WebSocket v1 ticker
// message. C is the last trade closed as [price, lot volume].
type wsTickerPayload struct {
	C []number `json:"c"`
}

// wsEvent covers subscription acknowledgements and system status events.
type wsEvent struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	Pair         string `json:"pair"`
	ErrorMessage string `json:"errorMessage"`
}
