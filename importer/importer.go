// Package importer reads voucher definitions and redemption history from YAML.
//
// Two layouts are understood. A catalog seed is a list of vouchers in the
// current schema. A legacy export uses the hyphenated keys of the previous
// major version and may carry redemption history.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"voucherkit/core"
)

// Target receives imported data. *engine.RedemptionEngine satisfies it.
type Target interface {
	SaveVoucher(ctx context.Context, v core.Voucher) error
	ImportRecord(ctx context.Context, rec core.RedemptionRecord) (bool, error)
}

// Report summarizes an import.
type Report struct {
	Vouchers int     `json:"vouchers"`
	Records  int     `json:"records"`
	Skipped  []error `json:"-"`
}

// SkippedMessages renders the skipped entries for API responses.
func (r Report) SkippedMessages() []string {
	out := make([]string, 0, len(r.Skipped))
	for _, err := range r.Skipped {
		out = append(out, err.Error())
	}
	return out
}

type legacyMessage struct {
	Type    string `yaml:"type"`
	Text    string `yaml:"text"`
	FadeIn  int    `yaml:"fade-in"`
	Stay    int    `yaml:"stay"`
	FadeOut int    `yaml:"fade-out"`
}

type legacyReward struct {
	Type      string  `yaml:"type"`
	Chance    float64 `yaml:"chance"`
	Command   string  `yaml:"command"`
	Item      string  `yaml:"item"`
	Amount    int     `yaml:"amount"`
	Effect    string  `yaml:"effect"`
	Duration  int     `yaml:"duration"`
	Amplifier int     `yaml:"amplifier"`
}

type legacyVoucher struct {
	DisplayName string          `yaml:"display-name"`
	Description []string        `yaml:"description"`
	RewardMode  string          `yaml:"reward-mode"`
	MaxUses     *int            `yaml:"max-uses"`
	Permission  string          `yaml:"permission"`
	RemoveOnUse *bool           `yaml:"remove-on-use"`
	Cooldown    float64         `yaml:"cooldown"`
	Messages    []legacyMessage `yaml:"messages"`
	Rewards     []legacyReward  `yaml:"rewards"`
}

type legacyRedeem struct {
	ID      string `yaml:"id"`
	User    string `yaml:"user"`
	Voucher string `yaml:"voucher"`
	Time    int64  `yaml:"time"` // epoch milliseconds
}

type legacyExport struct {
	Vouchers map[string]legacyVoucher `yaml:"vouchers"`
	Redeems  []legacyRedeem           `yaml:"redeems"`
}

// Importer applies YAML documents to a Target.
type Importer struct {
	target Target
	logger zerolog.Logger
}

func New(target Target, logger zerolog.Logger) *Importer {
	return &Importer{target: target, logger: logger.With().Str("component", "importer").Logger()}
}

// ImportLegacy reads a legacy export. Invalid entries are skipped and reported;
// only a malformed document or a cancelled context fails the whole import.
func (im *Importer) ImportLegacy(ctx context.Context, r io.Reader) (Report, error) {
	var doc legacyExport
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Report{}, fmt.Errorf("decode legacy export: %w", err)
	}
	vouchers, skipped := ConvertLegacy(doc.Vouchers)
	rep := Report{Skipped: skipped}
	for _, v := range vouchers {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := im.target.SaveVoucher(ctx, v); err != nil {
			rep.Skipped = append(rep.Skipped, fmt.Errorf("voucher %s: %w", v.ID, err))
			continue
		}
		rep.Vouchers++
	}
	for i, lr := range doc.Redeems {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rec := core.RedemptionRecord{
			ID:        lr.ID,
			UserID:    core.UserID(lr.User),
			VoucherID: strings.TrimSpace(lr.Voucher),
			Time:      time.UnixMilli(lr.Time).UTC(),
		}
		added, err := im.target.ImportRecord(ctx, rec)
		if err != nil {
			rep.Skipped = append(rep.Skipped, fmt.Errorf("redeems[%d]: %w", i, err))
			continue
		}
		if added {
			rep.Records++
		}
	}
	im.logger.Info().Int("vouchers", rep.Vouchers).Int("records", rep.Records).Int("skipped", len(rep.Skipped)).Msg("legacy export imported")
	return rep, nil
}

// ImportLegacyFile opens path and imports it.
func (im *Importer) ImportLegacyFile(ctx context.Context, path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, err
	}
	defer f.Close()
	return im.ImportLegacy(ctx, f)
}

// ConvertLegacy maps legacy vouchers to the current model, sorted by id.
func ConvertLegacy(in map[string]legacyVoucher) ([]core.Voucher, []error) {
	ids := make([]string, 0, len(in))
	for id := range in {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		out  []core.Voucher
		errs []error
	)
	for _, id := range ids {
		v, err := in[id].toVoucher(id)
		if err != nil {
			errs = append(errs, fmt.Errorf("voucher %s: %w", id, err))
			continue
		}
		out = append(out, v)
	}
	return out, errs
}

func (lv legacyVoucher) toVoucher(id string) (core.Voucher, error) {
	v := core.NewVoucher(id)
	if lv.DisplayName != "" {
		v.Name = lv.DisplayName
	}
	v.Description = lv.Description
	if lv.RewardMode != "" {
		// the previous version spelled reward select with a space
		mode, err := core.ParseRewardMode(strings.ReplaceAll(lv.RewardMode, " ", "_"))
		if err != nil {
			return core.Voucher{}, err
		}
		v.RewardMode = mode
	}
	if lv.MaxUses != nil {
		v.Options.MaxUses = *lv.MaxUses
	}
	if lv.RemoveOnUse != nil {
		v.Options.RemoveOnUse = *lv.RemoveOnUse
	}
	if p := strings.TrimSpace(lv.Permission); p != "" {
		v.Options.RequiresPermission = true
		v.Options.Permission = p
	}
	v.Options.CooldownSeconds = lv.Cooldown
	for _, m := range lv.Messages {
		v.Options.Messages = append(v.Options.Messages, core.Message{
			Type:    core.MessageType(strings.ToUpper(strings.ReplaceAll(m.Type, " ", "_"))),
			Text:    m.Text,
			FadeIn:  m.FadeIn,
			Stay:    m.Stay,
			FadeOut: m.FadeOut,
		})
	}
	for i, lr := range lv.Rewards {
		env := core.RewardEnvelope{
			Type:            core.RewardKind(strings.ToLower(lr.Type)),
			Chance:          lr.Chance,
			Command:         lr.Command,
			Item:            lr.Item,
			Quantity:        lr.Amount,
			Effect:          lr.Effect,
			DurationSeconds: lr.Duration,
			Amplifier:       lr.Amplifier,
		}
		r, err := env.Reward()
		if err != nil {
			return core.Voucher{}, fmt.Errorf("rewards[%d]: %w", i, err)
		}
		v.Rewards = append(v.Rewards, r)
	}
	if err := v.Validate(); err != nil {
		return core.Voucher{}, err
	}
	return v, nil
}
