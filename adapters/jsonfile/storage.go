package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"voucherkit/core"
)

// Store persists vouchers and redemption records to a single JSON file.
// Suitable for demos and small deployments.
type Store struct {
	path string
	mu   sync.Mutex
	// in-memory cache for speed
	data fileData
}

type fileData struct {
	Vouchers map[string]core.Voucher          `json:"vouchers"`
	Records  map[string]core.RedemptionRecord `json:"records"`
}

func New(path string) (*Store, error) {
	s := &Store{path: path, data: fileData{
		Vouchers: map[string]core.Voucher{},
		Records:  map[string]core.RedemptionRecord{},
	}}
	if err := s.load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var raw fileData
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k, v := range raw.Vouchers {
		s.data.Vouchers[k] = v
	}
	for k, v := range raw.Records {
		s.data.Records[k] = v
	}
	return nil
}

func (s *Store) persist() error {
	tmp := s.path + ".tmp"
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) CreateRecord(_ context.Context, rec core.RedemptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Records[rec.ID]; ok {
		return nil
	}
	s.data.Records[rec.ID] = rec
	return s.persist()
}

func (s *Store) LoadRecords(_ context.Context) ([]core.RedemptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.RedemptionRecord, 0, len(s.data.Records))
	for _, r := range s.data.Records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (s *Store) SaveVoucher(_ context.Context, v core.Voucher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Vouchers[v.Key()] = v.Clone()
	return s.persist()
}

func (s *Store) DeleteVoucher(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := core.NormalizeVoucherID(id)
	if _, ok := s.data.Vouchers[k]; !ok {
		return nil
	}
	delete(s.data.Vouchers, k)
	return s.persist()
}

func (s *Store) LoadVouchers(_ context.Context) ([]core.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Voucher, 0, len(s.data.Vouchers))
	for _, v := range s.data.Vouchers {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}
