// Package events implements the process-wide publish/subscribe hub used to
// fan system-level notifications (order lifecycle, ledger postings, feed
// health transitions) out to observers such as the SSE stream and audit
// logging, independently of the high-volume Tick Bus in package ticks.
package events

// EventType tags the payload shape carried by an Event.
type EventType string

const (
	OrderAccepted       EventType = "order_accepted"
	OrderFilled         EventType = "order_filled"
	OrderRejected       EventType = "order_rejected"
	OrderCancelled      EventType = "order_cancelled"
	LedgerPosted        EventType = "ledger_posted"
	MarginStatusChanged EventType = "margin_status_changed"
	PositionLiquidated  EventType = "position_liquidated"
	FeedHealthChanged   EventType = "feed_health_changed"
	BrokerSessionState  EventType = "broker_session_state"
)
