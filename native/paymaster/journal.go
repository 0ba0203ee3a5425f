package paymaster

import (
	"fmt"
	"log/slog"
	"time"

	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"

	"entrycore/storage"
)

var journalPrefix = []byte("paymaster/journal/")

// JournalEntry is the persisted record of one settlement.
type JournalEntry struct {
	ID         string
	Sponsor    common.Address
	Payer      common.Address
	Mode       uint8
	MaxCost    *big.Int
	ActualCost *big.Int
	Charge     *big.Int
	Timestamp  uint64
}

// Journal persists settlement records outside the state trie so operators can
// audit sponsor charges without replaying state.
type Journal struct {
	db    storage.Database
	clock func() time.Time
	log   *slog.Logger
}

// NewJournal constructs a journal over the provided flat store.
func NewJournal(db storage.Database, log *slog.Logger) *Journal {
	if log == nil {
		log = slog.Default()
	}
	return &Journal{db: db, clock: time.Now, log: log}
}

// SetClock overrides the time source (primarily for deterministic testing).
func (j *Journal) SetClock(clock func() time.Time) {
	if j == nil || clock == nil {
		return
	}
	j.clock = clock
}

func journalKey(id string) []byte {
	return append(append([]byte(nil), journalPrefix...), id...)
}

// Record persists the entry, assigning a fresh identifier when none is set,
// and returns the identifier used.
func (j *Journal) Record(entry JournalEntry) (string, error) {
	if j == nil {
		return "", fmt.Errorf("paymaster: journal not initialised")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = uint64(j.clock().UTC().Unix())
	}
	if entry.MaxCost == nil {
		entry.MaxCost = new(big.Int)
	}
	if entry.ActualCost == nil {
		entry.ActualCost = new(big.Int)
	}
	if entry.Charge == nil {
		entry.Charge = new(big.Int)
	}
	encoded, err := rlp.EncodeToBytes(&entry)
	if err != nil {
		return "", err
	}
	if err := j.db.Put(journalKey(entry.ID), encoded); err != nil {
		return "", err
	}
	j.log.Debug("settlement journaled",
		slog.String("id", entry.ID),
		slog.String("sponsor", entry.Sponsor.Hex()),
		slog.String("mode", SettleMode(entry.Mode).String()),
		slog.String("charge", entry.Charge.String()))
	return entry.ID, nil
}

// Get loads a settlement record by identifier.
func (j *Journal) Get(id string) (*JournalEntry, error) {
	if j == nil {
		return nil, fmt.Errorf("paymaster: journal not initialised")
	}
	data, err := j.db.Get(journalKey(id))
	if err != nil {
		return nil, err
	}
	var entry JournalEntry
	if err := rlp.DecodeBytes(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}
