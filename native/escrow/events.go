package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"stagepay/core/types"
)

const (
	EventTypeTradeCreated            = "trade.created"
	EventTypeTradeStage1Released     = "trade.stage1_released"
	EventTypeTradeArrivalConfirmed   = "trade.arrival_confirmed"
	EventTypeTradeFinalized          = "trade.finalized"
	EventTypeTradeRefunded           = "trade.refunded"
	EventTypeDisputeOpened           = "dispute.opened"
	EventTypeDisputeSolutionProposed = "dispute.solution_proposed"
	EventTypeDisputeApproved         = "dispute.approved"
	EventTypeDisputeResolved         = "dispute.resolved"
)

// escrowEvent adapts a canonical payload to the emitter contract.
type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

func newTradeCreatedEvent(t *Trade) escrowEvent {
	attrs := tradeAttributes(t)
	return escrowEvent{evt: &types.Event{Type: EventTypeTradeCreated, Attributes: attrs}}
}

func newStage1ReleasedEvent(t *Trade, caller [20]byte, amount *big.Int) escrowEvent {
	attrs := tradeAttributes(t)
	attrs["caller"] = hex.EncodeToString(caller[:])
	attrs["transferred"] = amountString(amount)
	return escrowEvent{evt: &types.Event{Type: EventTypeTradeStage1Released, Attributes: attrs}}
}

func newArrivalConfirmedEvent(t *Trade, caller [20]byte) escrowEvent {
	attrs := tradeAttributes(t)
	attrs["caller"] = hex.EncodeToString(caller[:])
	attrs["disputeWindowEnd"] = strconv.FormatInt(t.DisputeWindowEnd, 10)
	return escrowEvent{evt: &types.Event{Type: EventTypeTradeArrivalConfirmed, Attributes: attrs}}
}

func newTradeFinalizedEvent(t *Trade, caller [20]byte, amount *big.Int) escrowEvent {
	attrs := tradeAttributes(t)
	attrs["caller"] = hex.EncodeToString(caller[:])
	attrs["transferred"] = amountString(amount)
	return escrowEvent{evt: &types.Event{Type: EventTypeTradeFinalized, Attributes: attrs}}
}

func newTradeRefundedEvent(t *Trade, amount *big.Int) escrowEvent {
	attrs := tradeAttributes(t)
	attrs["transferred"] = amountString(amount)
	return escrowEvent{evt: &types.Event{Type: EventTypeTradeRefunded, Attributes: attrs}}
}

func newDisputeOpenedEvent(d *Dispute, caller [20]byte) escrowEvent {
	attrs := disputeAttributes(d)
	attrs["caller"] = hex.EncodeToString(caller[:])
	return escrowEvent{evt: &types.Event{Type: EventTypeDisputeOpened, Attributes: attrs}}
}

func newDisputeSolutionProposedEvent(d *Dispute, caller [20]byte) escrowEvent {
	attrs := disputeAttributes(d)
	attrs["caller"] = hex.EncodeToString(caller[:])
	return escrowEvent{evt: &types.Event{Type: EventTypeDisputeSolutionProposed, Attributes: attrs}}
}

func newDisputeApprovedEvent(d *Dispute, caller [20]byte) escrowEvent {
	attrs := disputeAttributes(d)
	attrs["caller"] = hex.EncodeToString(caller[:])
	return escrowEvent{evt: &types.Event{Type: EventTypeDisputeApproved, Attributes: attrs}}
}

func newDisputeResolvedEvent(d *Dispute, t *Trade, recipient [20]byte, amount *big.Int) escrowEvent {
	attrs := disputeAttributes(d)
	attrs["recipient"] = hex.EncodeToString(recipient[:])
	attrs["transferred"] = amountString(amount)
	attrs["tradeStage"] = t.Stage.String()
	return escrowEvent{evt: &types.Event{Type: EventTypeDisputeResolved, Attributes: attrs}}
}

func tradeAttributes(t *Trade) map[string]string {
	attrs := make(map[string]string)
	if t == nil {
		return attrs
	}
	attrs["tradeId"] = strconv.FormatUint(t.ID, 10)
	attrs["buyer"] = hex.EncodeToString(t.Buyer[:])
	attrs["seller"] = hex.EncodeToString(t.Seller[:])
	attrs["amount"] = amountString(t.Amount)
	attrs["released"] = amountString(t.Released)
	attrs["refunded"] = amountString(t.Refunded)
	attrs["stage"] = t.Stage.String()
	if t.DisputeID != 0 {
		attrs["disputeId"] = strconv.FormatUint(t.DisputeID, 10)
	}
	return attrs
}

func disputeAttributes(d *Dispute) map[string]string {
	attrs := make(map[string]string)
	if d == nil {
		return attrs
	}
	attrs["disputeId"] = strconv.FormatUint(d.ID, 10)
	attrs["tradeId"] = strconv.FormatUint(d.TradeID, 10)
	attrs["status"] = d.Status.String()
	if d.Solution != "" {
		attrs["solution"] = string(d.Solution)
	}
	attrs["approvals"] = strconv.Itoa(len(d.Approvals))
	return attrs
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
