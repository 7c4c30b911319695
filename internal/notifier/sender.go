package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"moodping/internal/checkin"
	"moodping/internal/eventbus"
	"moodping/internal/storage"
	kit "moodping/internal/transport"
	logx "moodping/pkg/logx"

	"golang.org/x/time/rate"
)

var ErrNoChat = errors.New("user has no chat id")

// Sender implements checkin.Sender.
type Sender struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	adapter kit.Adapter
	log     logx.Logger
	bus     eventbus.Bus
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ checkin.Sender = (*Sender)(nil)

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Sender{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		sleep:   sleepCtx,
	}
	s.Apply(cfg)
	return s
}

// Apply swaps throttling settings. Sends already waiting keep the old limiter.
func (s *Sender) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.mu.Lock()
	s.cfg = cfg
	// burst = rate so a minute boundary with many pings drains quickly.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Sender) SendDailyPing(ctx context.Context, u storage.User) error {
	opt := &kit.SendOptions{
		DisablePreview: true,
		Keyboard: [][]kit.Button{{
			{Text: "Later (15 min)", Data: checkin.ActionPostpone},
			{Text: "Skip today", Data: checkin.ActionSkipToday},
		}},
	}
	return s.send(ctx, "ping", u, PingText(), opt)
}

func (s *Sender) SendWeeklyDigest(ctx context.Context, u storage.User) error {
	return s.send(ctx, "digest", u, DigestText(u), &kit.SendOptions{DisablePreview: true})
}

// PingText is the body of a daily check-in.
func PingText() string {
	return "How are you feeling right now? Reply with a word or two."
}

// DigestText is the body of the weekly digest.
func DigestText(u storage.User) string {
	var b strings.Builder
	b.WriteString("Your weekly check-in digest\n\n")
	if len(u.PingTimes) == 0 {
		b.WriteString("You have no daily pings set. Add some with /times.\n")
	} else {
		fmt.Fprintf(&b, "Daily pings: %s (%s)\n", strings.Join(u.PingTimes, ", "), u.Timezone)
		if u.IncludeWeekends {
			b.WriteString("Weekends included.\n")
		} else {
			b.WriteString("Weekdays only.\n")
		}
	}
	b.WriteString("\nSee /settings to adjust your schedule.")
	return b.String()
}

func (s *Sender) send(ctx context.Context, kind string, u storage.User, text string, opt *kit.SendOptions) error {
	if u.ChatID == 0 {
		return ErrNoChat
	}
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	to := kit.ChatTarget{ChatID: u.ChatID}
	attempts := 1 + cfg.RetryMax
	var (
		lastErr error
		tried   int
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		tried = attempt
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.adapter.SendText(callCtx, to, text, opt)
		cancel()
		if err == nil {
			s.publish("notifier.sent", kind, u, attempt, nil)
			return nil
		}
		lastErr = err
		s.log.Debug("send failed", logx.String("kind", kind), logx.Int64("user", u.ID), logx.Int("attempt", attempt), logx.Err(err))
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		if err := s.sleep(ctx, retryDelay(cfg, attempt)); err != nil {
			lastErr = err
			break
		}
	}
	s.publish("notifier.failed", kind, u, tried, lastErr)
	return fmt.Errorf("send %s: %w", kind, lastErr)
}

func (s *Sender) publish(typ, kind string, u storage.User, attempts int, err error) {
	ev := NotificationEvent{Kind: kind, UserID: u.ID, ChatID: u.ChatID, Attempts: attempts, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1) capped at the
// max, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
