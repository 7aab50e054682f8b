// Package notify delivers user-visible notices (pruned elements, a ringing
// alarm, a completed run) to the operator.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Notifier sends a short text notice to the operator.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// LogNotifier writes notices to the structured log only.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, message string) error {
	slog.Info("Notice", "message", message)
	return nil
}

// Opts holds configuration options for the Twilio SMS notifier.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
	To         string
}

// Option defines a configuration option for the Twilio SMS notifier.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sending phone number in E.164 format.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// WithTo sets the operator's phone number in E.164 format.
func WithTo(to string) Option {
	return func(o *Opts) { o.To = to }
}

// messageCreator is the slice of the Twilio API used to send an SMS.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioNotifier sends notices as SMS through the Twilio REST API.
type TwilioNotifier struct {
	api  messageCreator
	from string
	to   string
}

var _ Notifier = (*TwilioNotifier)(nil)

// NewTwilioNotifier builds an SMS notifier. Missing options fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and BUTLER_NOTIFY_TO.
func NewTwilioNotifier(opts ...Option) (*TwilioNotifier, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.To == "" {
		cfg.To = os.Getenv("BUTLER_NOTIFY_TO")
	}
	slog.Debug("Twilio notifier config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "",
		"To_set", cfg.To != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" || cfg.To == "" {
		return nil, fmt.Errorf("from and to numbers must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioNotifier{api: client.Api, from: cfg.From, to: cfg.To}, nil
}

// Notify sends message as an SMS to the operator.
func (n *TwilioNotifier) Notify(ctx context.Context, message string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(n.to)
	params.SetFrom(n.from)
	params.SetBody(message)

	if _, err := n.api.CreateMessage(params); err != nil {
		slog.Error("TwilioNotifier.Notify failed", "to", n.to, "error", err)
		return fmt.Errorf("failed to send notice to %s: %w", n.to, err)
	}
	slog.Debug("TwilioNotifier.Notify sent", "to", n.to)
	return nil
}

// Multi fans a notice out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every notice in memory; used in tests.
type Recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *Recorder) Notify(ctx context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

// Messages returns a copy of the recorded notices.
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

// Send delivers a notice and logs, rather than returns, any failure.
// Notices are best-effort and never block the caller's work.
func Send(ctx context.Context, n Notifier, message string) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, message); err != nil {
		slog.Warn("Notice delivery failed", "error", err, "message", message)
	}
}
