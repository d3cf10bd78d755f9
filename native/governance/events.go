package governance

import (
	"encoding/hex"
	"strconv"

	"stagepay/core/types"
)

const (
	EventTypeProposalProposed  = "gov.proposed"
	EventTypeProposalApproved  = "gov.approved"
	EventTypeProposalExecuted  = "gov.executed"
	EventTypeProposalCancelled = "gov.cancelled"
	EventTypePaused            = "gov.paused"
)

type governanceEvent struct {
	evt *types.Event
}

func (e governanceEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e governanceEvent) Event() *types.Event { return e.evt }

func newProposalProposedEvent(p *Proposal) governanceEvent {
	return governanceEvent{evt: &types.Event{Type: EventTypeProposalProposed, Attributes: proposalAttributes(p)}}
}

func newProposalApprovedEvent(p *Proposal, caller [20]byte) governanceEvent {
	attrs := proposalAttributes(p)
	attrs["caller"] = hex.EncodeToString(caller[:])
	return governanceEvent{evt: &types.Event{Type: EventTypeProposalApproved, Attributes: attrs}}
}

func newProposalExecutedEvent(p *Proposal, caller [20]byte) governanceEvent {
	attrs := proposalAttributes(p)
	attrs["caller"] = hex.EncodeToString(caller[:])
	return governanceEvent{evt: &types.Event{Type: EventTypeProposalExecuted, Attributes: attrs}}
}

func newProposalCancelledEvent(p *Proposal, caller [20]byte) governanceEvent {
	attrs := proposalAttributes(p)
	attrs["caller"] = hex.EncodeToString(caller[:])
	return governanceEvent{evt: &types.Event{Type: EventTypeProposalCancelled, Attributes: attrs}}
}

func newPausedEvent(caller [20]byte) governanceEvent {
	attrs := map[string]string{"caller": hex.EncodeToString(caller[:])}
	return governanceEvent{evt: &types.Event{Type: EventTypePaused, Attributes: attrs}}
}

func proposalAttributes(p *Proposal) map[string]string {
	attrs := make(map[string]string)
	if p == nil {
		return attrs
	}
	attrs["proposalId"] = strconv.FormatUint(p.ID, 10)
	attrs["kind"] = string(p.Kind)
	attrs["proposer"] = hex.EncodeToString(p.Proposer[:])
	attrs["approvals"] = strconv.Itoa(len(p.Approvals))
	attrs["executed"] = strconv.FormatBool(p.Executed)
	var zero [20]byte
	if p.NewAdmin != zero {
		attrs["newAdmin"] = hex.EncodeToString(p.NewAdmin[:])
	}
	if p.NewOracle != zero {
		attrs["newOracle"] = hex.EncodeToString(p.NewOracle[:])
	}
	if p.FastTrack {
		attrs["fastTrack"] = "true"
	}
	return attrs
}
