package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RewardKind tags the reward variants.
type RewardKind string

const (
	RewardCommand RewardKind = "command"
	RewardItem    RewardKind = "item"
	RewardEffect  RewardKind = "effect"
)

// Reward is one grantable outcome of a voucher.
// Weight is the chance used by the RANDOM policy; other policies ignore it.
type Reward interface {
	Kind() RewardKind
	Weight() float64
	Execute(ctx context.Context, g Grantor, user User, preview bool) error
}

// CommandReward runs a command for the user. %player% expands to the user name.
type CommandReward struct {
	Command string
	Chance  float64
}

func (r CommandReward) Kind() RewardKind { return RewardCommand }
func (r CommandReward) Weight() float64  { return r.Chance }

func (r CommandReward) Execute(ctx context.Context, g Grantor, user User, preview bool) error {
	if preview {
		return nil
	}
	return g.RunCommand(ctx, user, ExpandUser(r.Command, user))
}

// ItemReward hands the user a quantity of an item.
type ItemReward struct {
	Item     string
	Quantity int
	Chance   float64
}

func (r ItemReward) Kind() RewardKind { return RewardItem }
func (r ItemReward) Weight() float64  { return r.Chance }

func (r ItemReward) Execute(ctx context.Context, g Grantor, user User, preview bool) error {
	if preview {
		return nil
	}
	qty := r.Quantity
	if qty <= 0 {
		qty = 1
	}
	return g.GiveItem(ctx, user, r.Item, qty)
}

// EffectReward applies a timed effect to the user.
type EffectReward struct {
	Effect    string
	Duration  time.Duration
	Amplifier int
	Chance    float64
}

func (r EffectReward) Kind() RewardKind { return RewardEffect }
func (r EffectReward) Weight() float64  { return r.Chance }

func (r EffectReward) Execute(ctx context.Context, g Grantor, user User, preview bool) error {
	if preview {
		return nil
	}
	return g.ApplyEffect(ctx, user, r.Effect, r.Duration, r.Amplifier)
}

// Describe is a one-line human readable form used by listings and logs.
func Describe(r Reward) string {
	switch v := r.(type) {
	case CommandReward:
		return "command: " + v.Command
	case ItemReward:
		return fmt.Sprintf("item: %s x%d", v.Item, v.Quantity)
	case EffectReward:
		return fmt.Sprintf("effect: %s %s (amplifier %d)", v.Effect, v.Duration, v.Amplifier)
	default:
		return string(r.Kind())
	}
}

// ExpandUser substitutes user placeholders in a template.
func ExpandUser(tmpl string, user User) string {
	if user == nil {
		return tmpl
	}
	return strings.NewReplacer(
		"%player%", user.Name(),
		"%player_id%", string(user.ID()),
	).Replace(tmpl)
}

// Rewards is an ordered reward list with a tagged JSON encoding.
type Rewards []Reward

// RewardEnvelope is the wire and storage form of a single reward.
type RewardEnvelope struct {
	Type            RewardKind `json:"type" yaml:"type"`
	Chance          float64    `json:"chance" yaml:"chance"`
	Command         string     `json:"command,omitempty" yaml:"command,omitempty"`
	Item            string     `json:"item,omitempty" yaml:"item,omitempty"`
	Quantity        int        `json:"quantity,omitempty" yaml:"quantity,omitempty"`
	Effect          string     `json:"effect,omitempty" yaml:"effect,omitempty"`
	DurationSeconds int        `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`
	Amplifier       int        `json:"amplifier,omitempty" yaml:"amplifier,omitempty"`
}

// Envelope converts a reward into its tagged form.
func Envelope(r Reward) (RewardEnvelope, error) {
	switch v := r.(type) {
	case CommandReward:
		return RewardEnvelope{Type: RewardCommand, Chance: v.Chance, Command: v.Command}, nil
	case ItemReward:
		return RewardEnvelope{Type: RewardItem, Chance: v.Chance, Item: v.Item, Quantity: v.Quantity}, nil
	case EffectReward:
		return RewardEnvelope{
			Type:            RewardEffect,
			Chance:          v.Chance,
			Effect:          v.Effect,
			DurationSeconds: int(v.Duration / time.Second),
			Amplifier:       v.Amplifier,
		}, nil
	default:
		return RewardEnvelope{}, fmt.Errorf("unsupported reward type %T", r)
	}
}

// Reward converts the envelope back into its variant.
func (e RewardEnvelope) Reward() (Reward, error) {
	switch RewardKind(strings.ToLower(string(e.Type))) {
	case RewardCommand:
		if strings.TrimSpace(e.Command) == "" {
			return nil, fmt.Errorf("command reward without command")
		}
		return CommandReward{Command: e.Command, Chance: e.Chance}, nil
	case RewardItem:
		if strings.TrimSpace(e.Item) == "" {
			return nil, fmt.Errorf("item reward without item")
		}
		return ItemReward{Item: e.Item, Quantity: e.Quantity, Chance: e.Chance}, nil
	case RewardEffect:
		if strings.TrimSpace(e.Effect) == "" {
			return nil, fmt.Errorf("effect reward without effect")
		}
		return EffectReward{
			Effect:    e.Effect,
			Duration:  time.Duration(e.DurationSeconds) * time.Second,
			Amplifier: e.Amplifier,
			Chance:    e.Chance,
		}, nil
	default:
		return nil, fmt.Errorf("unknown reward type %s", strconv.Quote(string(e.Type)))
	}
}

func (rs Rewards) MarshalJSON() ([]byte, error) {
	out := make([]RewardEnvelope, 0, len(rs))
	for _, r := range rs {
		env, err := Envelope(r)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return json.Marshal(out)
}

func (rs *Rewards) UnmarshalJSON(b []byte) error {
	var raw []RewardEnvelope
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Rewards, 0, len(raw))
	for i, env := range raw {
		r, err := env.Reward()
		if err != nil {
			return fmt.Errorf("rewards[%d]: %w", i, err)
		}
		out = append(out, r)
	}
	*rs = out
	return nil
}
