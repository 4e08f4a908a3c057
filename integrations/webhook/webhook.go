package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"voucherkit/core"
)

// Sink posts domain events to configured HTTP endpoints.
// It is synchronous for determinism; subscribe it on an async bus.
type Sink struct {
	client    *http.Client
	endpoints []string
	types     map[core.EventType]bool
	secret    string
	logger    zerolog.Logger
}

// Option configures a Sink or a Grantor.
type Option func(*options)

type options struct {
	client *http.Client
	logger zerolog.Logger
	types  []core.EventType
	secret string
}

// WithClient overrides the HTTP client (defaults to 2s timeout).
func WithClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.client = c
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.logger = l } }

// WithEventTypes restricts a Sink to the listed event types.
func WithEventTypes(types ...core.EventType) Option {
	return func(o *options) { o.types = append(o.types, types...) }
}

// WithSecret sets the bearer token sent with every request.
func WithSecret(secret string) Option { return func(o *options) { o.secret = secret } }

func collect(opts []Option) options {
	o := options{client: &http.Client{Timeout: 2 * time.Second}, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a webhook sink.
func New(endpoints []string, opts ...Option) *Sink {
	o := collect(opts)
	s := &Sink{
		client:    o.client,
		endpoints: append([]string{}, endpoints...),
		secret:    o.secret,
		logger:    o.logger.With().Str("component", "webhook_sink").Logger(),
	}
	if len(o.types) > 0 {
		s.types = map[core.EventType]bool{}
		for _, t := range o.types {
			s.types[t] = true
		}
	}
	return s
}

// OnEvent posts the event JSON to all endpoints. Failures are logged.
func (s *Sink) OnEvent(ctx context.Context, e core.Event) {
	if len(s.endpoints) == 0 || (s.types != nil && !s.types[e.Type]) {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode event")
		return
	}
	for _, ep := range s.endpoints {
		if err := post(ctx, s.client, ep, s.secret, body); err != nil {
			s.logger.Warn().Err(err).Str("endpoint", ep).Str("event", string(e.Type)).Msg("event not delivered")
		}
	}
}

func post(ctx context.Context, client *http.Client, url, secret string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// Grant is the payload a Grantor posts for every executed reward.
type Grant struct {
	Kind            core.RewardKind `json:"kind"`
	UserID          core.UserID     `json:"user"`
	UserName        string          `json:"user_name"`
	Command         string          `json:"command,omitempty"`
	Item            string          `json:"item,omitempty"`
	Quantity        int             `json:"quantity,omitempty"`
	Effect          string          `json:"effect,omitempty"`
	DurationSeconds int             `json:"duration_seconds,omitempty"`
	Amplifier       int             `json:"amplifier,omitempty"`
}

// Grantor executes rewards by posting them to the host that owns the users.
type Grantor struct {
	client *http.Client
	url    string
	secret string
}

func NewGrantor(url string, opts ...Option) *Grantor {
	o := collect(opts)
	return &Grantor{client: o.client, url: url, secret: o.secret}
}

func (g *Grantor) send(ctx context.Context, grant Grant) error {
	body, err := json.Marshal(grant)
	if err != nil {
		return err
	}
	return post(ctx, g.client, g.url, g.secret, body)
}

func (g *Grantor) RunCommand(ctx context.Context, user core.User, command string) error {
	return g.send(ctx, Grant{Kind: core.RewardCommand, UserID: user.ID(), UserName: user.Name(), Command: command})
}

func (g *Grantor) GiveItem(ctx context.Context, user core.User, item string, quantity int) error {
	return g.send(ctx, Grant{Kind: core.RewardItem, UserID: user.ID(), UserName: user.Name(), Item: item, Quantity: quantity})
}

func (g *Grantor) ApplyEffect(ctx context.Context, user core.User, effect string, duration time.Duration, amplifier int) error {
	return g.send(ctx, Grant{
		Kind:            core.RewardEffect,
		UserID:          user.ID(),
		UserName:        user.Name(),
		Effect:          effect,
		DurationSeconds: int(duration / time.Second),
		Amplifier:       amplifier,
	})
}

// LogGrantor only logs grants. It backs deployments without a grant endpoint.
type LogGrantor struct {
	Logger zerolog.Logger
}

func (l LogGrantor) RunCommand(_ context.Context, user core.User, command string) error {
	l.Logger.Info().Str("user", string(user.ID())).Str("command", command).Msg("grant command")
	return nil
}

func (l LogGrantor) GiveItem(_ context.Context, user core.User, item string, quantity int) error {
	l.Logger.Info().Str("user", string(user.ID())).Str("item", item).Int("quantity", quantity).Msg("grant item")
	return nil
}

func (l LogGrantor) ApplyEffect(_ context.Context, user core.User, effect string, duration time.Duration, amplifier int) error {
	l.Logger.Info().Str("user", string(user.ID())).Str("effect", effect).Dur("duration", duration).Int("amplifier", amplifier).Msg("grant effect")
	return nil
}
