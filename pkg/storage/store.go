// Package storage persists the engine's durable state in pebble: the
// append-only per-market command journal, periodic checkpoints, the
// immutable trade log, settlement audit records, and the shared cache
// layer. Recovery is load-latest-checkpoint then replay the journal tail.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/fundcast/engine/pkg/exchange/types"
)

type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Key layout:
//   j:<market>:<8-byte-seq>   journal entries
//   cp:<market>               per-market checkpoint
//   cpl                       ledger checkpoint
//   t:<market>:<8-byte-ts>:<trade-id>  trade log
//   a:<market>:<user>         settlement audit records
//   c:<key>                   shared cache entries
func journalKey(market types.MarketID, seq uint64) []byte {
	k := append([]byte("j:"), market...)
	k = append(k, ':')
	return binary.BigEndian.AppendUint64(k, seq)
}

func journalPrefix(market types.MarketID) []byte {
	k := append([]byte("j:"), market...)
	return append(k, ':')
}

func checkpointKey(market types.MarketID) []byte {
	return append([]byte("cp:"), market...)
}

func ledgerCheckpointKey() []byte { return []byte("cpl") }

func tradeKey(t *types.Trade) []byte {
	k := append([]byte("t:"), t.MarketID...)
	k = append(k, ':')
	k = binary.BigEndian.AppendUint64(k, uint64(t.Time.UnixNano()))
	k = append(k, ':')
	return append(k, t.ID...)
}

func tradePrefix(market types.MarketID) []byte {
	k := append([]byte("t:"), market...)
	return append(k, ':')
}

func auditKey(market types.MarketID, user types.UserID) []byte {
	k := append([]byte("a:"), market...)
	k = append(k, ':')
	return append(k, user...)
}

func auditPrefix(market types.MarketID) []byte {
	k := append([]byte("a:"), market...)
	return append(k, ':')
}

func cacheKey(key string) []byte { return append([]byte("c:"), key...) }

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) setJSON(key []byte, v interface{}, sync bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	opt := pebble.NoSync
	if sync {
		opt = pebble.Sync
	}
	if err := s.db.Set(key, data, opt); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	return nil
}

func unmarshalValue(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (s *Store) getJSON(key []byte, v interface{}) (bool, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get: %w", err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal: %w", err)
	}
	return true, nil
}
