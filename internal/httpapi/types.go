package httpapi

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"helmsman/internal/domain"
)

// HealthResponse reports the engine's availability and stream state.
type HealthResponse struct {
	Healthy  bool   `json:"healthy"`
	Degraded bool   `json:"degraded"`
	Stream   string `json:"stream"`
}

// OrderResponse is the wire form of an order.
type OrderResponse struct {
	ID             string           `json:"id"`
	BrokerOrderID  string           `json:"broker_order_id,omitempty"`
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	Type           string           `json:"type"`
	Qty            decimal.Decimal  `json:"qty"`
	TimeInForce    string           `json:"time_in_force"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty"`
	TrailPercent   *decimal.Decimal `json:"trail_percent,omitempty"`
	Status         string           `json:"status"`
	FilledQty      decimal.Decimal  `json:"filled_qty"`
	FilledAvgPrice *decimal.Decimal `json:"filled_avg_price,omitempty"`
	ClientTag      string           `json:"client_tag,omitempty"`
	Source         string           `json:"source,omitempty"`
	Protected      bool             `json:"protected"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func toOrderResponse(o *domain.Order) OrderResponse {
	return OrderResponse{
		ID:             o.ID,
		BrokerOrderID:  o.BrokerOrderID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		Type:           string(o.Type),
		Qty:            o.Qty,
		TimeInForce:    string(o.TimeInForce),
		LimitPrice:     o.LimitPrice,
		StopPrice:      o.StopPrice,
		TrailPercent:   o.TrailPercent,
		Status:         string(o.Status),
		FilledQty:      o.FilledQty,
		FilledAvgPrice: o.FilledAvgPrice,
		ClientTag:      o.ClientTag,
		Source:         o.Source,
		Protected:      o.ProtectionTriggered,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.LastBrokerUpdateAt,
	}
}

// FillResponse is the wire form of an execution.
type FillResponse struct {
	OrderID    string          `json:"order_id"`
	SequenceNo int64           `json:"sequence_no"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	FilledAt   time.Time       `json:"filled_at"`
}

func toFillResponse(f domain.Fill) FillResponse {
	return FillResponse{
		OrderID:    f.OrderID,
		SequenceNo: f.SequenceNo,
		Symbol:     f.Symbol,
		Side:       string(f.Side),
		Qty:        f.Qty,
		Price:      f.Price,
		FilledAt:   f.FilledAt,
	}
}

// OrderDetailResponse is an order together with its fill history.
type OrderDetailResponse struct {
	OrderResponse
	Fills []FillResponse `json:"fills"`
}

// PositionResponse is the wire form of a position.
type PositionResponse struct {
	Symbol        string           `json:"symbol"`
	Qty           decimal.Decimal  `json:"qty"`
	AvgEntryPrice decimal.Decimal  `json:"avg_entry_price"`
	MarketValue   *decimal.Decimal `json:"market_value,omitempty"`
	UnrealizedPL  *decimal.Decimal `json:"unrealized_pl,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func toPositionResponse(p domain.Position) PositionResponse {
	return PositionResponse{
		Symbol:        p.Symbol,
		Qty:           p.Qty,
		AvgEntryPrice: p.AvgEntryPrice,
		MarketValue:   p.MarketValue,
		UnrealizedPL:  p.UnrealizedPL,
		UpdatedAt:     p.UpdatedAt,
	}
}

// ProtectionResponse is the wire form of a protection link.
type ProtectionResponse struct {
	EntryOrderID      string          `json:"entry_order_id"`
	ProtectionOrderID string          `json:"protection_order_id,omitempty"`
	Status            string          `json:"status"`
	Qty               decimal.Decimal `json:"qty"`
	Attempts          int             `json:"attempts"`
	LastError         string          `json:"last_error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toProtectionResponse(l domain.ProtectionLink) ProtectionResponse {
	return ProtectionResponse{
		EntryOrderID:      l.EntryOrderID,
		ProtectionOrderID: l.ProtectionOrderID,
		Status:            string(l.Status),
		Qty:               l.Qty,
		Attempts:          l.Attempts,
		LastError:         l.LastError,
		CreatedAt:         l.CreatedAt,
		UpdatedAt:         l.UpdatedAt,
	}
}

// CommandRequest is the intake shape for POST /api/commands.
type CommandRequest struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CommandResponse is the wire form of a command and its outcome.
type CommandResponse struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func toCommandResponse(c *domain.Command) CommandResponse {
	return CommandResponse{
		ID:          c.ID,
		Kind:        string(c.Kind),
		Status:      string(c.Status),
		Result:      c.Result,
		Error:       c.Error,
		SubmittedAt: c.SubmittedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

// KillSwitchRequest is the intake shape for POST /api/killswitch.
type KillSwitchRequest struct {
	ID           string `json:"id,omitempty"`
	ConfirmToken string `json:"confirm_token,omitempty"`
}
