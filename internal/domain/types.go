// Package domain defines the core entities of the execution engine: orders,
// fills, positions, protection links, operator commands, and the normalized
// order-lifecycle events received from the broker stream.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType identifies how an order executes at the broker.
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// TimeInForce controls how long an order remains working.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
)

// OrderStatus is the engine-local order lifecycle state. Transitions are
// monotonic: an order never moves to a status with a lower rank.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// statusRank orders statuses along the lifecycle. Terminal statuses share the
// top rank; a transition to an equal rank is only allowed for repeated
// partial fills.
var statusRank = map[OrderStatus]int{
	OrderStatusPending:         0,
	OrderStatusSubmitted:       1,
	OrderStatusAccepted:        2,
	OrderStatusOpen:            3,
	OrderStatusPartiallyFilled: 4,
	OrderStatusFilled:          5,
	OrderStatusCanceled:        5,
	OrderStatusRejected:        5,
	OrderStatusExpired:         5,
}

// Rank returns the lifecycle rank of the status. Unknown statuses rank -1.
func (s OrderStatus) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Terminal reports whether the status is a final lifecycle state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether an order currently in status s may move to
// next without violating monotonicity.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == OrderStatusPartiallyFilled && s == OrderStatusPartiallyFilled {
		// Additional partial fills keep the same status.
		return true
	}
	return next.Rank() > s.Rank()
}

// Order is the engine's record of a brokerage order. ID is engine-issued and
// doubles as the broker client order id (the idempotency key for
// submission); BrokerOrderID is empty until the broker accepts the order and
// is immutable afterwards.
type Order struct {
	ID             string
	BrokerOrderID  string
	Symbol         string
	Side           Side
	Type           OrderType
	Qty            decimal.Decimal
	TimeInForce    TimeInForce
	LimitPrice     *decimal.Decimal
	StopPrice      *decimal.Decimal
	TrailPercent   *decimal.Decimal
	Status         OrderStatus
	FilledQty      decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	ClientTag      string
	Source         string

	// ProtectionTriggered is set, durably, the first time the completed fill
	// of this order is handed to the protection manager. It guarantees the
	// fill-completion notification fires once per order across restarts.
	ProtectionTriggered bool

	// LastSeq is the highest broker sequence number applied to this order.
	// Events carrying a sequence number at or below it are duplicates.
	LastSeq int64

	CreatedAt          time.Time
	LastBrokerUpdateAt time.Time
}

// Remaining returns the unfilled quantity of the order.
func (o *Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// Fractional reports whether the order quantity is not a whole number of
// shares. Fractional orders are subject to broker time-in-force rules.
func (o *Order) Fractional() bool {
	return !o.Qty.Equal(o.Qty.Truncate(0))
}

// OrderSpec is a request to create a broker order.
type OrderSpec struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	TimeInForce   TimeInForce
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TrailPercent  *decimal.Decimal
	ClientOrderID string
	ExtendedHours bool
}

// Fill records one execution against an order. SequenceNo is the broker
// sequence of the event that reported the execution and deduplicates
// replays.
type Fill struct {
	OrderID    string
	SequenceNo int64
	Symbol     string
	Side       Side
	Qty        decimal.Decimal
	Price      decimal.Decimal
	FilledAt   time.Time
}

// Position is a broker-authoritative holding snapshot. Positions are never
// derived from locally accumulated fills; the broker snapshot always wins.
type Position struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	MarketValue   *decimal.Decimal
	UnrealizedPL  *decimal.Decimal
	UpdatedAt     time.Time
}

// Account is a snapshot of brokerage account metrics.
type Account struct {
	ID          string
	Cash        decimal.Decimal
	Equity      decimal.Decimal
	BuyingPower decimal.Decimal
}

// Session identifies the current trading session, used to look up order-type
// capabilities.
type Session string

const (
	SessionRegular Session = "regular"
	SessionClosed  Session = "closed"
)

// ProtectionStatus is the lifecycle state of a protection link.
type ProtectionStatus string

const (
	ProtectionPending  ProtectionStatus = "pending"
	ProtectionPlaced   ProtectionStatus = "placed"
	ProtectionFailed   ProtectionStatus = "failed"
	ProtectionDetached ProtectionStatus = "detached"
)

// ProtectionLink ties an entry order to the protective exit order placed for
// it. At most one non-detached link exists per entry order.
type ProtectionLink struct {
	EntryOrderID      string
	ProtectionOrderID string
	Status            ProtectionStatus
	Qty               decimal.Decimal
	Attempts          int
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Active reports whether the link still binds the entry order.
func (l *ProtectionLink) Active() bool {
	return l.Status != ProtectionDetached
}

// CommandKind identifies an operator command.
type CommandKind string

const (
	CommandDraft      CommandKind = "draft"
	CommandConfirm    CommandKind = "confirm"
	CommandCancel     CommandKind = "cancel"
	CommandKillSwitch CommandKind = "kill_switch"
)

// CommandStatus is the per-command execution state.
type CommandStatus string

const (
	CommandReceived  CommandStatus = "received"
	CommandValidated CommandStatus = "validated"
	CommandExecuting CommandStatus = "executing"
	CommandSucceeded CommandStatus = "succeeded"
	CommandFailed    CommandStatus = "failed"
)

// Done reports whether the command has reached a final state.
func (s CommandStatus) Done() bool {
	return s == CommandSucceeded || s == CommandFailed
}

// Command is an operator instruction. ID is the operator-supplied idempotency
// key: re-delivery of the same ID never executes side effects twice, and the
// same ID with a different payload is rejected as a conflict.
type Command struct {
	ID          string          `json:"id"`
	Kind        CommandKind     `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadHash string          `json:"-"`
	Status      CommandStatus   `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// HashPayload computes the stable payload digest used for duplicate-command
// conflict detection.
func HashPayload(kind CommandKind, payload json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// EventKind is the normalized order-lifecycle event type from the broker
// stream.
type EventKind string

const (
	EventAccepted    EventKind = "accepted"
	EventNew         EventKind = "new"
	EventPartialFill EventKind = "partial_fill"
	EventFill        EventKind = "fill"
	EventCanceled    EventKind = "canceled"
	EventRejected    EventKind = "rejected"
	EventExpired     EventKind = "expired"
	EventReplaced    EventKind = "replaced"
)

// OrderEvent is the closed, normalized form of a broker stream message.
// Payloads that do not fit this shape are rejected at ingress as non-fatal
// parse errors. SequenceNo increases monotonically per order.
type OrderEvent struct {
	Kind          EventKind
	SequenceNo    int64
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Side          Side
	Status        OrderStatus
	Order         *Order
	FillQty       *decimal.Decimal
	FillPrice     *decimal.Decimal
	At            time.Time
}

// statusForEvent maps event kinds to the status a bare event implies. Fill
// events are resolved against cumulative fill quantity by the reconciler,
// not by this table.
var statusForEvent = map[EventKind]OrderStatus{
	EventAccepted: OrderStatusAccepted,
	EventNew:      OrderStatusOpen,
	EventCanceled: OrderStatusCanceled,
	EventRejected: OrderStatusRejected,
	EventExpired:  OrderStatusExpired,
	EventReplaced: OrderStatusCanceled,
}

// ImpliedStatus returns the order status the event implies, or "" when the
// status must be derived from fill accumulation.
func (e *OrderEvent) ImpliedStatus() OrderStatus {
	return statusForEvent[e.Kind]
}

// IsFill reports whether the event carries an execution.
func (e *OrderEvent) IsFill() bool {
	return e.Kind == EventFill || e.Kind == EventPartialFill
}
