package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	bolt "go.etcd.io/bbolt"

	"stagepay/core"
	"stagepay/ledger"
	"stagepay/native/escrow"
	"stagepay/native/governance"
)

var (
	bucketTrades       = []byte("trades")
	bucketTradeMeta    = []byte("trade_meta")
	bucketDisputes     = []byte("disputes")
	bucketGovProposals = []byte("gov_proposals")
	bucketGovLedger    = []byte("gov_ledger")
	bucketBalances     = []byte("balances")
	bucketEvents       = []byte("events")

	keyGovLedger = []byte("ledger")
)

var errRecordCorrupt = errors.New("storage: record corrupt")

// Store persists the escrow, dispute and governance state, the account
// ledger, and the event journal in a single bbolt file. It satisfies
// core.State and ledger.Adapter.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database at path and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTrades, bucketTradeMeta, bucketDisputes, bucketGovProposals, bucketGovLedger, bucketBalances, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func itob(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// --- escrow.State ---

func (s *Store) TradeGet(id uint64) (*escrow.Trade, bool, error) {
	var trade *escrow.Trade
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTrades).Get(itob(id))
		if raw == nil {
			return nil
		}
		trade = new(escrow.Trade)
		if err := json.Unmarshal(raw, trade); err != nil {
			return fmt.Errorf("%w: trade %d: %v", errRecordCorrupt, id, err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return trade, trade != nil, nil
}

func (s *Store) TradePut(trade *escrow.Trade) error {
	raw, err := json.Marshal(trade)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTrades).Put(itob(trade.ID), raw); err != nil {
			return err
		}
		return tx.Bucket(bucketTradeMeta).Put(trade.MetaHash[:], itob(trade.ID))
	})
}

func (s *Store) TradeIDByMetaHash(hash [32]byte) (uint64, bool, error) {
	var id uint64
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTradeMeta).Get(hash[:])
		if len(raw) == 8 {
			id = binary.BigEndian.Uint64(raw)
			ok = true
		}
		return nil
	})
	return id, ok, err
}

func (s *Store) NextTradeID() (uint64, error) {
	return s.nextSequence(bucketTrades)
}

func (s *Store) DisputeGet(id uint64) (*escrow.Dispute, bool, error) {
	var dispute *escrow.Dispute
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDisputes).Get(itob(id))
		if raw == nil {
			return nil
		}
		dispute = new(escrow.Dispute)
		if err := json.Unmarshal(raw, dispute); err != nil {
			return fmt.Errorf("%w: dispute %d: %v", errRecordCorrupt, id, err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return dispute, dispute != nil, nil
}

func (s *Store) DisputePut(dispute *escrow.Dispute) error {
	raw, err := json.Marshal(dispute)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDisputes).Put(itob(dispute.ID), raw)
	})
}

func (s *Store) NextDisputeID() (uint64, error) {
	return s.nextSequence(bucketDisputes)
}

// TradeCount returns the number of stored trades. Consumed by the
// reconciliation query surface.
func (s *Store) TradeCount() (uint64, error) {
	var count uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		count = uint64(tx.Bucket(bucketTrades).Stats().KeyN)
		return nil
	})
	return count, err
}

// TradeStageCounts returns how many trades sit in each stage.
func (s *Store) TradeStageCounts() (map[string]uint64, error) {
	counts := make(map[string]uint64)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTrades).ForEach(func(_, raw []byte) error {
			var trade escrow.Trade
			if err := json.Unmarshal(raw, &trade); err != nil {
				return fmt.Errorf("%w: %v", errRecordCorrupt, err)
			}
			counts[trade.Stage.String()]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// --- event journal ---

// JournalAppend persists a journal entry under the next event sequence and
// writes the assigned sequence back into the entry. Sequences come from the
// bucket counter, so they keep increasing across restarts and an indexer
// cursor never goes stale.
func (s *Store) JournalAppend(entry *core.JournalEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEvents)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		entry.Sequence = seq
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(itob(seq), raw)
	})
}

// JournalEvents returns up to limit entries with sequence strictly greater
// than after, in order. A non-positive limit returns everything available.
func (s *Store) JournalEvents(after uint64, limit int) ([]core.JournalEntry, error) {
	var entries []core.JournalEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketEvents).Cursor()
		for k, v := cursor.Seek(itob(after + 1)); k != nil; k, v = cursor.Next() {
			var entry core.JournalEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("%w: journal entry %x: %v", errRecordCorrupt, k, err)
			}
			entries = append(entries, entry)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// JournalLastSequence returns the sequence of the most recent journal entry.
func (s *Store) JournalLastSequence() (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		seq = tx.Bucket(bucketEvents).Sequence()
		return nil
	})
	return seq, err
}

// --- governance.State ---

func (s *Store) GovernanceGetLedger() (*governance.Ledger, bool, error) {
	var record *governance.Ledger
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketGovLedger).Get(keyGovLedger)
		if raw == nil {
			return nil
		}
		record = new(governance.Ledger)
		if err := json.Unmarshal(raw, record); err != nil {
			return fmt.Errorf("%w: governance ledger: %v", errRecordCorrupt, err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return record, record != nil, nil
}

func (s *Store) GovernancePutLedger(record *governance.Ledger) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGovLedger).Put(keyGovLedger, raw)
	})
}

func (s *Store) GovernanceGetProposal(id uint64) (*governance.Proposal, bool, error) {
	var proposal *governance.Proposal
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketGovProposals).Get(itob(id))
		if raw == nil {
			return nil
		}
		proposal = new(governance.Proposal)
		if err := json.Unmarshal(raw, proposal); err != nil {
			return fmt.Errorf("%w: proposal %d: %v", errRecordCorrupt, id, err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return proposal, proposal != nil, nil
}

func (s *Store) GovernancePutProposal(p *governance.Proposal) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGovProposals).Put(itob(p.ID), raw)
	})
}

func (s *Store) GovernanceNextProposalID() (uint64, error) {
	return s.nextSequence(bucketGovProposals)
}

func (s *Store) nextSequence(bucket []byte) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		seq, err := tx.Bucket(bucket).NextSequence()
		if err != nil {
			return err
		}
		id = seq
		return nil
	})
	return id, err
}

// --- ledger.Adapter ---

// Credit adds funds to an account balance.
func (s *Store) Credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ledger.ErrInvalidAmount
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		balances := tx.Bucket(bucketBalances)
		current := decodeBalance(balances.Get(addr[:]))
		return balances.Put(addr[:], []byte(new(big.Int).Add(current, amount).String()))
	})
}

// Balance returns the stored balance for an account.
func (s *Store) Balance(addr [20]byte) (*big.Int, error) {
	var bal *big.Int
	err := s.db.View(func(tx *bolt.Tx) error {
		bal = decodeBalance(tx.Bucket(bucketBalances).Get(addr[:]))
		return nil
	})
	return bal, err
}

// Transfer atomically moves amount between accounts. Either both balances are
// rewritten in one transaction or neither is.
func (s *Store) Transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ledger.ErrInvalidAmount
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		balances := tx.Bucket(bucketBalances)
		fromBal := decodeBalance(balances.Get(from[:]))
		if fromBal.Cmp(amount) < 0 {
			return fmt.Errorf("%w: account %x holds %s, need %s", ledger.ErrInsufficientBalance, from, fromBal, amount)
		}
		toBal := decodeBalance(balances.Get(to[:]))
		if err := balances.Put(from[:], []byte(new(big.Int).Sub(fromBal, amount).String())); err != nil {
			return err
		}
		return balances.Put(to[:], []byte(new(big.Int).Add(toBal, amount).String()))
	})
}

func decodeBalance(raw []byte) *big.Int {
	if len(raw) == 0 {
		return big.NewInt(0)
	}
	bal, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return big.NewInt(0)
	}
	return bal
}
