package storage

import (
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/fundcast/engine/pkg/exchange/types"
)

// AuditRecord is the immutable settlement record for one (market, user).
// Its existence is also the idempotence marker: settlement skips users
// that already have one.
type AuditRecord struct {
	Market   types.MarketID `json:"market"`
	User     types.UserID   `json:"user"`
	Paid     int64          `json:"paid"`
	Payouts  []int64        `json:"payouts"`
	SettledAt time.Time     `json:"settled_at"`
}

func (s *Store) WriteAudit(rec *AuditRecord) error {
	return s.setJSON(auditKey(rec.Market, rec.User), rec, true)
}

// Audit loads the settlement record for one user, if any.
func (s *Store) Audit(market types.MarketID, user types.UserID) (*AuditRecord, bool, error) {
	var rec AuditRecord
	ok, err := s.getJSON(auditKey(market, user), &rec)
	if !ok || err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// Audits lists every settlement record for a market.
func (s *Store) Audits(market types.MarketID) ([]*AuditRecord, error) {
	prefix := auditPrefix(market)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("audit iter: %w", err)
	}
	defer iter.Close()

	var out []*AuditRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec AuditRecord
		if err := unmarshalValue(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}
