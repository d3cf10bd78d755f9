package rpc

import (
	"encoding/hex"

	"stagepay/native/escrow"
	"stagepay/native/governance"
)

type tradeView struct {
	ID               uint64 `json:"id"`
	Buyer            string `json:"buyer"`
	Seller           string `json:"seller"`
	Amount           string `json:"amount"`
	Released         string `json:"released"`
	Refunded         string `json:"refunded"`
	Stage            string `json:"stage"`
	DisputeWindowEnd int64  `json:"disputeWindowEnd,omitempty"`
	DisputeID        uint64 `json:"disputeId,omitempty"`
	CreatedAt        int64  `json:"createdAt"`
}

func tradeResponse(t *escrow.Trade) tradeView {
	return tradeView{
		ID:               t.ID,
		Buyer:            "0x" + hex.EncodeToString(t.Buyer[:]),
		Seller:           "0x" + hex.EncodeToString(t.Seller[:]),
		Amount:           t.Amount.String(),
		Released:         t.Released.String(),
		Refunded:         t.Refunded.String(),
		Stage:            t.Stage.String(),
		DisputeWindowEnd: t.DisputeWindowEnd,
		DisputeID:        t.DisputeID,
		CreatedAt:        t.CreatedAt,
	}
}

type disputeView struct {
	ID        uint64   `json:"id"`
	TradeID   uint64   `json:"tradeId"`
	Status    string   `json:"status"`
	Solution  string   `json:"solution,omitempty"`
	Approvals []string `json:"approvals"`
	CreatedAt int64    `json:"createdAt"`
}

func disputeResponse(d *escrow.Dispute) disputeView {
	approvals := make([]string, 0, len(d.Approvals))
	for _, addr := range d.Approvals {
		approvals = append(approvals, "0x"+hex.EncodeToString(addr[:]))
	}
	return disputeView{
		ID:        d.ID,
		TradeID:   d.TradeID,
		Status:    d.Status.String(),
		Solution:  string(d.Solution),
		Approvals: approvals,
		CreatedAt: d.CreatedAt,
	}
}

type proposalView struct {
	ID        uint64   `json:"id"`
	Kind      string   `json:"kind"`
	Proposer  string   `json:"proposer"`
	NewAdmin  string   `json:"newAdmin,omitempty"`
	NewOracle string   `json:"newOracle,omitempty"`
	FastTrack bool     `json:"fastTrack,omitempty"`
	Approvals []string `json:"approvals"`
	Executed  bool     `json:"executed"`
	Cancelled bool     `json:"cancelled,omitempty"`
	CreatedAt int64    `json:"createdAt"`
}

func proposalResponse(p *governance.Proposal) proposalView {
	approvals := make([]string, 0, len(p.Approvals))
	for _, addr := range p.Approvals {
		approvals = append(approvals, "0x"+hex.EncodeToString(addr[:]))
	}
	view := proposalView{
		ID:        p.ID,
		Kind:      string(p.Kind),
		Proposer:  "0x" + hex.EncodeToString(p.Proposer[:]),
		Approvals: approvals,
		Executed:  p.Executed,
		Cancelled: p.Cancelled,
		CreatedAt: p.CreatedAt,
	}
	var zero [20]byte
	if p.NewAdmin != zero {
		view.NewAdmin = "0x" + hex.EncodeToString(p.NewAdmin[:])
	}
	if p.NewOracle != zero {
		view.NewOracle = "0x" + hex.EncodeToString(p.NewOracle[:])
	}
	view.FastTrack = p.FastTrack
	return view
}

type snapshotView struct {
	Admins             []string `json:"admins"`
	RequiredApprovals  uint32   `json:"requiredApprovals"`
	OracleAddress      string   `json:"oracleAddress"`
	Paused             bool     `json:"paused"`
	FastTrackApprovals uint32   `json:"fastTrackApprovals"`
}

func snapshotResponse(l *governance.Ledger) snapshotView {
	admins := make([]string, 0, len(l.Admins))
	for _, addr := range l.Admins {
		admins = append(admins, "0x"+hex.EncodeToString(addr[:]))
	}
	return snapshotView{
		Admins:             admins,
		RequiredApprovals:  l.RequiredApprovals,
		OracleAddress:      "0x" + hex.EncodeToString(l.OracleAddress[:]),
		Paused:             l.Paused,
		FastTrackApprovals: l.FastTrackApprovals,
	}
}
