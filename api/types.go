package api

import (
	"agora/book"
)

// SubmitOrderRequest is the POST /api/v1/orders body.
type SubmitOrderRequest struct {
	ID    uint64 `json:"id"`
	Side  string `json:"side"`
	Type  string `json:"type"`
	Price int64  `json:"price"`
	Qty   int64  `json:"qty"`
	Owner string `json:"owner,omitempty"`
}

// SubmitOrderResponse reports the outcome of a submit or modify.
// Status is "accepted" or "rejected"; Reason is set on rejection.
type SubmitOrderResponse struct {
	Status string       `json:"status"`
	Reason string       `json:"reason,omitempty"`
	Trades []book.Trade `json:"trades"`
}

// ModifyOrderRequest is the POST /api/v1/orders/{id}/modify body.
type ModifyOrderRequest struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// OpenOrder is the API view of a resting order.
type OpenOrder struct {
	ID        uint64 `json:"id"`
	Side      string `json:"side"`
	Type      string `json:"type"`
	Price     int64  `json:"price"`
	Remaining int64  `json:"remaining"`
	Original  int64  `json:"original"`
	Owner     string `json:"owner,omitempty"`
	Time      int64  `json:"ts"`
	Seq       uint64 `json:"seq"`
}

func openOrder(o book.Open) OpenOrder {
	return OpenOrder{
		ID:        o.ID,
		Side:      o.Side.String(),
		Type:      o.Type.String(),
		Price:     o.Price,
		Remaining: o.Remaining,
		Original:  o.Original,
		Owner:     o.Owner,
		Time:      o.Time,
		Seq:       o.Seq,
	}
}

// CancelOrderResponse returns the canceled order's final view.
type CancelOrderResponse struct {
	Status string    `json:"status"`
	Order  OpenOrder `json:"order"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is the client->server subscription message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// TradeUpdate is pushed on the "trades" channel.
type TradeUpdate struct {
	Type  string     `json:"type"`
	Trade book.Trade `json:"trade"`
}

// DepthUpdate is pushed on the "depth" channel.
type DepthUpdate struct {
	Type string       `json:"type"`
	Seq  uint64       `json:"seq"`
	Time int64        `json:"ts"`
	Bids []book.Level `json:"bids"`
	Asks []book.Level `json:"asks"`
}
