package importer

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"voucherkit/core"
)

// SeedVoucher is the YAML form of a voucher in a catalog seed file.
type SeedVoucher struct {
	ID          string                `yaml:"id"`
	Name        string                `yaml:"name"`
	Description []string              `yaml:"description"`
	RewardMode  string                `yaml:"reward_mode"`
	Options     SeedOptions           `yaml:"options"`
	Rewards     []core.RewardEnvelope `yaml:"rewards"`
}

type SeedOptions struct {
	MaxUses            *int           `yaml:"max_uses"`
	RequiresPermission bool           `yaml:"requires_permission"`
	Permission         string         `yaml:"permission"`
	RemoveOnUse        *bool          `yaml:"remove_on_use"`
	CooldownSeconds    float64        `yaml:"cooldown_seconds"`
	Messages           []core.Message `yaml:"messages"`
}

type seedFile struct {
	Vouchers []SeedVoucher `yaml:"vouchers"`
}

// Voucher converts the seed entry, applying the editor defaults for omitted options.
func (s SeedVoucher) Voucher() (core.Voucher, error) {
	v := core.NewVoucher(s.ID)
	if s.Name != "" {
		v.Name = s.Name
	}
	v.Description = s.Description
	if s.RewardMode != "" {
		mode, err := core.ParseRewardMode(s.RewardMode)
		if err != nil {
			return core.Voucher{}, err
		}
		v.RewardMode = mode
	}
	if s.Options.MaxUses != nil {
		v.Options.MaxUses = *s.Options.MaxUses
	}
	if s.Options.RemoveOnUse != nil {
		v.Options.RemoveOnUse = *s.Options.RemoveOnUse
	}
	v.Options.RequiresPermission = s.Options.RequiresPermission
	v.Options.Permission = s.Options.Permission
	v.Options.CooldownSeconds = s.Options.CooldownSeconds
	v.Options.Messages = s.Options.Messages
	for i, env := range s.Rewards {
		r, err := env.Reward()
		if err != nil {
			return core.Voucher{}, fmt.Errorf("rewards[%d]: %w", i, err)
		}
		v.Rewards = append(v.Rewards, r)
	}
	return v, v.Validate()
}

// DecodeSeed parses a catalog seed document. Entries that fail to convert are
// returned as errors alongside the valid vouchers.
func DecodeSeed(r io.Reader) ([]core.Voucher, []error, error) {
	var doc seedFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("decode seed: %w", err)
	}
	var (
		out  []core.Voucher
		errs []error
	)
	for i, sv := range doc.Vouchers {
		v, err := sv.Voucher()
		if err != nil {
			errs = append(errs, fmt.Errorf("vouchers[%d] %s: %w", i, sv.ID, err))
			continue
		}
		out = append(out, v)
	}
	return out, errs, nil
}

// LoadSeedFile reads a seed file from disk.
func LoadSeedFile(path string) ([]core.Voucher, []error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return DecodeSeed(f)
}
