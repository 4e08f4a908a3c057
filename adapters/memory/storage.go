package memory

import (
	"context"
	"sort"
	"sync"

	"voucherkit/core"
)

// Store is a concurrent in-memory Storage implementation.
type Store struct {
	vouchers sync.Map // map[string]core.Voucher keyed by normalized id

	mu      sync.Mutex
	records []core.RedemptionRecord
	ids     map[string]struct{}
}

func New() *Store { return &Store{ids: map[string]struct{}{}} }

// CreateRecord appends rec. Writing the same id twice is a no-op.
func (s *Store) CreateRecord(_ context.Context, rec core.RedemptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[rec.ID]; ok {
		return nil
	}
	s.ids[rec.ID] = struct{}{}
	s.records = append(s.records, rec)
	return nil
}

func (s *Store) LoadRecords(_ context.Context) ([]core.RedemptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.RedemptionRecord(nil), s.records...), nil
}

func (s *Store) SaveVoucher(_ context.Context, v core.Voucher) error {
	s.vouchers.Store(v.Key(), v.Clone())
	return nil
}

func (s *Store) DeleteVoucher(_ context.Context, id string) error {
	s.vouchers.Delete(core.NormalizeVoucherID(id))
	return nil
}

func (s *Store) LoadVouchers(_ context.Context) ([]core.Voucher, error) {
	var out []core.Voucher
	s.vouchers.Range(func(_, value any) bool {
		out = append(out, value.(core.Voucher).Clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

var _ interface {
	CreateRecord(context.Context, core.RedemptionRecord) error
	LoadRecords(context.Context) ([]core.RedemptionRecord, error)
	SaveVoucher(context.Context, core.Voucher) error
	DeleteVoucher(context.Context, string) error
	LoadVouchers(context.Context) ([]core.Voucher, error)
} = (*Store)(nil)
