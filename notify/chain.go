package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"voucher-service/logging"
	"voucher-service/models"
	"voucher-service/monitoring"
	"voucher-service/store"
)

// Provider sends one SMS.
type Provider interface {
	Name() string
	Send(ctx context.Context, phone, message string) error
}

// Entry places a Provider in the chain. Lower priority goes first.
type Entry struct {
	Provider Provider
	Priority int
}

// Message is an SMS body. Secrets are substrings masked before the body is
// written to the attempt log.
type Message struct {
	Body    string
	Secrets []string
}

func (m Message) redacted() string {
	return m.mask(m.Body)
}

// mask hides every secret in s. Provider errors can echo the body back.
func (m Message) mask(s string) string {
	for _, secret := range m.Secrets {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, logging.MaskCode(secret))
		}
	}
	return s
}

// ProviderError is one failed attempt.
type ProviderError struct {
	Provider string `json:"provider"`
	Error    string `json:"error"`
}

// Result summarizes a Send. It is never an error: an exhausted chain is
// reported through Outcome.
type Result struct {
	Outcome      models.NotificationOutcome `json:"outcome"`
	ProviderUsed string                     `json:"provider_used,omitempty"`
	FallbackUsed bool                       `json:"fallback_used"`
	Errors       []ProviderError            `json:"errors,omitempty"`
}

// Chain tries providers in priority order until one succeeds.
type Chain struct {
	entries []Entry
	log     store.NotificationLog
	now     func() time.Time
}

// NewChain orders entries by ascending priority. Equal priorities keep their
// given order.
func NewChain(log store.NotificationLog, entries ...Entry) *Chain {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &Chain{entries: sorted, log: log, now: time.Now}
}

// Providers returns the provider names in the order they are tried.
func (c *Chain) Providers() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.Provider.Name()
	}
	return names
}

// Send delivers msg to phone, falling back through the chain. Every attempt
// is appended to the notification log before the next one starts.
func (c *Chain) Send(ctx context.Context, phone string, msg Message) Result {
	phone = FormatPhone(phone)
	logger := logging.FromContext(ctx)
	run := newAttemptRun(c.entries)

	for {
		entry, ok := run.tryNext()
		if !ok {
			break
		}
		name := entry.Provider.Name()

		err := safeSend(ctx, entry.Provider, phone, msg.Body)
		var errText string
		if err != nil {
			errText = msg.mask(err.Error())
		}
		attempt := &models.NotificationAttempt{
			Phone:         phone,
			Message:       msg.redacted(),
			ProviderTried: name,
			FallbackUsed:  run.attemptsBefore() > 0,
			Timestamp:     c.now(),
		}
		if err == nil {
			attempt.Outcome = models.NotificationSent
		} else {
			attempt.Outcome = models.NotificationFailed
			attempt.Error = errText
		}

		if logErr := c.log.AppendAttempt(ctx, attempt); logErr != nil {
			logger.Error("Failed to record SMS attempt",
				zap.Error(logErr),
				zap.String("provider", name),
			)
		}
		monitoring.SMSAttempts.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("provider", name),
				attribute.String("outcome", string(attempt.Outcome)),
			),
		)

		if err == nil {
			res := run.succeeded(name)
			if res.FallbackUsed {
				logger.Warn("SMS sent via fallback provider",
					zap.String("provider", name),
					zap.Int("failed_providers", len(res.Errors)),
				)
			}
			return res
		}

		logger.Warn("SMS provider failed",
			zap.String("provider", name),
			zap.String("error", errText),
		)
		run.failed(name, errText)
	}

	res := run.exhausted()
	logger.Error("All SMS providers failed", zap.Int("providers", len(c.entries)))
	return res
}

// safeSend turns a provider panic into an error so one broken adapter
// cannot stop the chain.
func safeSend(ctx context.Context, p Provider, phone, body string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panicked: %v", r)
		}
	}()
	return p.Send(ctx, phone, body)
}

// attemptRun is the per-send state machine: tryNext hands out providers in
// order, then the run ends in succeeded or exhausted.
type attemptRun struct {
	entries []Entry
	next    int
	errors  []ProviderError
}

func newAttemptRun(entries []Entry) *attemptRun {
	return &attemptRun{entries: entries}
}

func (r *attemptRun) tryNext() (Entry, bool) {
	if r.next >= len(r.entries) {
		return Entry{}, false
	}
	e := r.entries[r.next]
	r.next++
	return e, true
}

func (r *attemptRun) attemptsBefore() int {
	return r.next - 1
}

func (r *attemptRun) failed(provider, errText string) {
	r.errors = append(r.errors, ProviderError{Provider: provider, Error: errText})
}

func (r *attemptRun) succeeded(provider string) Result {
	return Result{
		Outcome:      models.NotificationSent,
		ProviderUsed: provider,
		FallbackUsed: r.attemptsBefore() > 0,
		Errors:       r.errors,
	}
}

func (r *attemptRun) exhausted() Result {
	return Result{
		Outcome: models.NotificationFailed,
		Errors:  r.errors,
	}
}
