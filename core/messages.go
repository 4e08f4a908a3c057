package core

import (
	"fmt"
	"strings"
)

// MessageType selects how a voucher message is displayed.
type MessageType string

const (
	MessageTitle     MessageType = "TITLE"
	MessageSubtitle  MessageType = "SUBTITLE"
	MessageChat      MessageType = "CHAT"
	MessageActionBar MessageType = "ACTION_BAR"
	MessageBroadcast MessageType = "BROADCAST"
)

// Message is a display template sent on redemption. Timing fields only apply
// to titles and subtitles and are expressed in ticks.
type Message struct {
	Type    MessageType `json:"type" yaml:"type"`
	Text    string      `json:"text" yaml:"text"`
	FadeIn  int         `json:"fade_in,omitempty" yaml:"fade_in,omitempty"`
	Stay    int         `json:"stay,omitempty" yaml:"stay,omitempty"`
	FadeOut int         `json:"fade_out,omitempty" yaml:"fade_out,omitempty"`
}

// IsTitle reports whether the message belongs to the combined title display.
func (m Message) IsTitle() bool {
	return m.Type == MessageTitle || m.Type == MessageSubtitle
}

// TitleTiming is the fade-in/stay/fade-out of a title display.
type TitleTiming struct {
	FadeIn  int `json:"fade_in"`
	Stay    int `json:"stay"`
	FadeOut int `json:"fade_out"`
}

// DefaultTitleTiming applies when a title message carries no timing of its own.
var DefaultTitleTiming = TitleTiming{FadeIn: 20, Stay: 20, FadeOut: 20}

// TitleDisplay is the merged title/subtitle pair of a voucher.
type TitleDisplay struct {
	Title    *Message
	Subtitle *Message
	Timing   TitleTiming
}

// CollectTitle picks the first TITLE and first SUBTITLE of msgs. The title's
// timing replaces the defaults and the subtitle's timing is maxed in element-wise.
// ok is false when neither message exists.
func CollectTitle(msgs []Message) (d TitleDisplay, ok bool) {
	for i := range msgs {
		switch msgs[i].Type {
		case MessageTitle:
			if d.Title == nil {
				m := msgs[i]
				d.Title = &m
			}
		case MessageSubtitle:
			if d.Subtitle == nil {
				m := msgs[i]
				d.Subtitle = &m
			}
		}
	}
	if d.Title == nil && d.Subtitle == nil {
		return TitleDisplay{}, false
	}
	d.Timing = DefaultTitleTiming
	if d.Title != nil {
		d.Timing = TitleTiming{FadeIn: d.Title.FadeIn, Stay: d.Title.Stay, FadeOut: d.Title.FadeOut}
	}
	if d.Subtitle != nil {
		d.Timing.FadeIn = max(d.Timing.FadeIn, d.Subtitle.FadeIn)
		d.Timing.Stay = max(d.Timing.Stay, d.Subtitle.Stay)
		d.Timing.FadeOut = max(d.Timing.FadeOut, d.Subtitle.FadeOut)
	}
	return d, true
}

// Render substitutes user and voucher placeholders in a message template.
func Render(tmpl string, user User, v Voucher) string {
	return strings.NewReplacer(
		"%voucher_id%", v.ID,
		"%voucher_name%", v.Name,
	).Replace(ExpandUser(tmpl, user))
}

// Locale holds the user-facing denial lines.
type Locale struct {
	NotAllowed   string `json:"not_allowed" yaml:"not_allowed" env:"VOUCHERKIT_MSG_NOT_ALLOWED"`
	LimitReached string `json:"limit_reached" yaml:"limit_reached" env:"VOUCHERKIT_MSG_LIMIT_REACHED"`
	Cooldown     string `json:"cooldown" yaml:"cooldown" env:"VOUCHERKIT_MSG_COOLDOWN"`
	NotFound     string `json:"not_found" yaml:"not_found" env:"VOUCHERKIT_MSG_NOT_FOUND"`
}

// DefaultLocale is the built-in English locale.
func DefaultLocale() Locale {
	return Locale{
		NotAllowed:   "You are not allowed to use that voucher",
		LimitReached: "You cannot redeem that voucher anymore!",
		Cooldown:     "You can redeem that voucher in %cooldown_time% seconds",
		NotFound:     "That voucher does not exist",
	}
}

// DenialMessage maps a validation failure to its user-facing line.
// It returns "" for errors that are not denials.
func DenialMessage(err error, l Locale) string {
	var cd *CooldownError
	switch {
	case AsCooldown(err, &cd):
		secs := fmt.Sprintf("%.2f", cd.Remaining.Seconds())
		return strings.ReplaceAll(l.Cooldown, "%cooldown_time%", secs)
	case IsNotAllowed(err):
		return l.NotAllowed
	case IsLimitReached(err):
		return l.LimitReached
	case IsNotFound(err):
		return l.NotFound
	}
	return ""
}
