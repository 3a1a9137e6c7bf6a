package kvrepo

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dagizoltan/kvrepo/journal"
	"github.com/dagizoltan/kvrepo/kv"
)

type ChangeOp int

const (
	OpNone   ChangeOp = 0
	OpPut    ChangeOp = 1
	OpDelete ChangeOp = 2
)

func (v ChangeOp) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

// Change describes one committed write. Data holds the stored encoding of
// the record for puts and is empty for deletes.
type Change struct {
	Tenant     string     `msgpack:"t"`
	Collection string     `msgpack:"c"`
	ID         string     `msgpack:"i"`
	Op         ChangeOp   `msgpack:"o"`
	Version    kv.Version `msgpack:"v"`
	SchemaVer  uint64     `msgpack:"s,omitempty"`
	Data       []byte     `msgpack:"d,omitempty"`
	Time       time.Time  `msgpack:"ts"`

	rec    any
	oldRec any
}

// Record returns the saved record for puts, as a *T of the collection.
// Changes decoded from a journal carry no record; use DecodeInto.
func (ch *Change) Record() any {
	return ch.rec
}

// OldRecord returns the record as it was before the change, if it existed.
func (ch *Change) OldRecord() any {
	return ch.oldRec
}

func (ch *Change) DecodeInto(ptr any) error {
	if len(ch.Data) == 0 {
		return fmt.Errorf("%s/%s: change %v carries no record", ch.Collection, ch.ID, ch.Op)
	}
	return decodeRecord(ch.Data, ptr)
}

func (ch *Change) String() string {
	return fmt.Sprintf("%s %s/%s/%s@%d", ch.Op, ch.Tenant, ch.Collection, ch.ID, ch.Version)
}

func (ch *Change) Encode() ([]byte, error) {
	return msgpack.Marshal(ch)
}

func DecodeChange(data []byte) (*Change, error) {
	ch := new(Change)
	if err := msgpack.Unmarshal(data, ch); err != nil {
		return nil, fmt.Errorf("decode change: %w", err)
	}
	return ch, nil
}

// JournalChanges returns a change listener that appends every change to j.
// Journal failures are logged; they never fail the write that caused them.
func JournalChanges(j *journal.Journal, logger *slog.Logger) func(*Change) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ch *Change) {
		data, err := ch.Encode()
		if err == nil {
			_, err = j.Append(data)
		}
		if err != nil {
			logger.Error("kvrepo: journal append failed", "change", ch.String(), "err", err)
		}
	}
}

// ReplayChanges decodes every change recorded in j starting at record from.
func ReplayChanges(j *journal.Journal, from uint64, f func(id uint64, ch *Change) error) error {
	return j.Replay(from, func(rec journal.Record) error {
		ch, err := DecodeChange(rec.Data)
		if err != nil {
			return fmt.Errorf("journal record %d: %w", rec.ID, err)
		}
		return f(rec.ID, ch)
	})
}
