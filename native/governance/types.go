package governance

// ProposalKind tags the payload a governance proposal carries.
type ProposalKind string

const (
	KindAddAdmin     ProposalKind = "gov.add_admin"
	KindOracleUpdate ProposalKind = "gov.oracle_update"
	KindUnpause      ProposalKind = "gov.unpause"
)

// Valid reports whether the kind is one of the supported proposal kinds.
func (k ProposalKind) Valid() bool {
	switch k {
	case KindAddAdmin, KindOracleUpdate, KindUnpause:
		return true
	default:
		return false
	}
}

// Proposal is an in-flight administrative change. Approvals never includes an
// implicit proposer endorsement; the proposer approves explicitly like any
// other admin. Once Executed flips the record is immutable.
type Proposal struct {
	ID        uint64
	Kind      ProposalKind
	Proposer  [20]byte
	NewAdmin  [20]byte
	NewOracle [20]byte
	FastTrack bool
	Approvals [][20]byte
	Executed  bool
	Cancelled bool
	CreatedAt int64
}

// Clone returns a deep copy of the proposal.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Approvals = make([][20]byte, len(p.Approvals))
	copy(clone.Approvals, p.Approvals)
	return &clone
}

// Approved reports whether the admin already endorsed the proposal.
func (p *Proposal) Approved(addr [20]byte) bool {
	if p == nil {
		return false
	}
	for _, existing := range p.Approvals {
		if existing == addr {
			return true
		}
	}
	return false
}

// Ledger is the trusted configuration snapshot: the admin set, the approval
// threshold, the oracle the escrow engine trusts, and the pause flag. It is
// mutated only through the proposal flow plus the unilateral pause trigger.
type Ledger struct {
	Admins             [][20]byte
	RequiredApprovals  uint32
	OracleAddress      [20]byte
	Paused             bool
	FastTrackApprovals uint32
}

// Clone returns a deep copy of the ledger snapshot.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Admins = make([][20]byte, len(l.Admins))
	copy(clone.Admins, l.Admins)
	return &clone
}

// HasAdmin reports whether the address belongs to the admin set.
func (l *Ledger) HasAdmin(addr [20]byte) bool {
	if l == nil {
		return false
	}
	for _, admin := range l.Admins {
		if admin == addr {
			return true
		}
	}
	return false
}
