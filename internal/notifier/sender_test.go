package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"moodping/internal/checkin"
	"moodping/internal/eventbus"
	"moodping/internal/storage"
	kit "moodping/internal/transport"
	logx "moodping/pkg/logx"
)

type call struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type flakyAdapter struct {
	mu    sync.Mutex
	fails int
	calls []call
}

func (a *flakyAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *flakyAdapter) Stop(context.Context) error { return nil }
func (a *flakyAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (a *flakyAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (a *flakyAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call{to: to, text: text, opt: opt})
	if a.fails > 0 {
		a.fails--
		return kit.MessageRef{}, errors.New("telegram: 502")
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.calls)}, nil
}

func newSender(t *testing.T, ad kit.Adapter, cfg Config) (*Sender, <-chan eventbus.Event) {
	t.Helper()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	t.Cleanup(unsub)
	s := New(cfg, ad, logx.Nop(), bus)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s, ch
}

func user() storage.User {
	return storage.User{ID: 1, ChatID: 100, Timezone: "Europe/Moscow", PingTimes: []string{"09:00", "21:00"}}
}

func TestPingCarriesKeyboard(t *testing.T) {
	t.Parallel()
	ad := &flakyAdapter{}
	s, events := newSender(t, ad, Config{})

	if err := s.SendDailyPing(context.Background(), user()); err != nil {
		t.Fatal(err)
	}
	if len(ad.calls) != 1 {
		t.Fatalf("calls = %d", len(ad.calls))
	}
	c := ad.calls[0]
	if c.to.ChatID != 100 {
		t.Fatalf("chat = %d", c.to.ChatID)
	}
	kb := c.opt.Keyboard
	if len(kb) != 1 || len(kb[0]) != 2 || kb[0][0].Data != checkin.ActionPostpone || kb[0][1].Data != checkin.ActionSkipToday {
		t.Fatalf("keyboard = %+v", kb)
	}
	ev := <-events
	if ev.Type != "notifier.sent" || ev.Data.(NotificationEvent).Kind != "ping" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	ad := &flakyAdapter{fails: 2}
	s, events := newSender(t, ad, Config{RetryMax: 2})

	if err := s.SendWeeklyDigest(context.Background(), user()); err != nil {
		t.Fatal(err)
	}
	if len(ad.calls) != 3 {
		t.Fatalf("calls = %d", len(ad.calls))
	}
	if ad.calls[0].opt.Keyboard != nil {
		t.Fatal("digest should not carry a keyboard")
	}
	ev := <-events
	if got := ev.Data.(NotificationEvent); ev.Type != "notifier.sent" || got.Attempts != 3 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	ad := &flakyAdapter{fails: 5}
	s, events := newSender(t, ad, Config{RetryMax: 1})

	err := s.SendDailyPing(context.Background(), user())
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v", err)
	}
	if len(ad.calls) != 2 {
		t.Fatalf("calls = %d", len(ad.calls))
	}
	if ev := <-events; ev.Type != "notifier.failed" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestNoChatID(t *testing.T) {
	t.Parallel()
	ad := &flakyAdapter{}
	s, _ := newSender(t, ad, Config{})

	u := user()
	u.ChatID = 0
	if err := s.SendDailyPing(context.Background(), u); !errors.Is(err, ErrNoChat) {
		t.Fatalf("err = %v", err)
	}
	if len(ad.calls) != 0 {
		t.Fatal("nothing should be sent")
	}
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()
	ad := &flakyAdapter{}
	s, _ := newSender(t, ad, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SendDailyPing(ctx, user()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %v out of range", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v", d)
	}
}

func TestDigestText(t *testing.T) {
	t.Parallel()

	if got := DigestText(user()); !strings.Contains(got, "09:00, 21:00 (Europe/Moscow)") || !strings.Contains(got, "Weekdays only") {
		t.Fatalf("digest = %q", got)
	}
	if got := DigestText(storage.User{}); !strings.Contains(got, "/times") {
		t.Fatalf("empty digest = %q", got)
	}
}
