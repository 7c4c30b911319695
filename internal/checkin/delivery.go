package checkin

import (
	"context"
	"errors"
	"time"

	"moodping/internal/eventbus"
	"moodping/internal/schedule"
	"moodping/internal/storage"
	"moodping/internal/task/scheduler"
	logx "moodping/pkg/logx"

	"github.com/google/uuid"
)

// Delivery kinds recorded in the delivery log.
const (
	KindPing     = "ping"
	KindPostpone = "postpone"
	KindDigest   = "digest"
)

// Sender delivers the actual messages.
type Sender interface {
	SendDailyPing(ctx context.Context, u storage.User) error
	SendWeeklyDigest(ctx context.Context, u storage.User) error
}

// DeliveryEvent is published as delivery.<status>.
type DeliveryEvent struct {
	UserID int64  `json:"user_id"`
	Kind   string `json:"kind"`
	Date   string `json:"date"`
	Slot   string `json:"slot"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Delivery implements the scheduler callbacks for user jobs.
type Delivery struct {
	store  storage.Store
	sender Sender
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
}

func NewDelivery(store storage.Store, sender Sender, log logx.Logger, bus eventbus.Bus) *Delivery {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Delivery{
		store:  store,
		sender: sender,
		log:    log.With(logx.String("comp", "delivery")),
		bus:    bus,
		now:    time.Now,
	}
}

type slotPlan struct {
	kind      string
	slot      func(local time.Time, key scheduler.JobKey) string
	skippable bool
	send      func(ctx context.Context, u storage.User) error
}

// DailyPing sends a recurring check-in unless the user skipped today.
func (d *Delivery) DailyPing(ctx context.Context, f scheduler.Firing) error {
	return d.deliver(ctx, f, slotPlan{
		kind:      KindPing,
		slot:      func(local time.Time, _ scheduler.JobKey) string { return local.Format("15:04") },
		skippable: true,
		send:      d.sender.SendDailyPing,
	})
}

// Postponed sends the delayed check-in. A skip set after postponing wins.
func (d *Delivery) Postponed(ctx context.Context, f scheduler.Firing) error {
	return d.deliver(ctx, f, slotPlan{
		kind:      KindPostpone,
		slot:      func(_ time.Time, key scheduler.JobKey) string { return "postpone:" + key.Discriminator },
		skippable: true,
		send:      d.sender.SendDailyPing,
	})
}

// WeeklyDigest sends the digest. Skip does not apply to it.
func (d *Delivery) WeeklyDigest(ctx context.Context, f scheduler.Firing) error {
	return d.deliver(ctx, f, slotPlan{
		kind: KindDigest,
		slot: func(_ time.Time, _ scheduler.JobKey) string { return "digest" },
		send: d.sender.SendWeeklyDigest,
	})
}

func (d *Delivery) deliver(ctx context.Context, f scheduler.Firing, p slotPlan) error {
	userID := f.Key.UserID
	u, err := d.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		d.log.Debug("delivery for unknown user", logx.Int64("user", userID), logx.String("job", f.Key.String()))
		return nil
	}
	if err != nil {
		return err
	}
	if u.Paused {
		return nil
	}

	loc, err := schedule.LoadZone(u.Timezone)
	if err != nil {
		return err
	}
	local := f.Scheduled.In(loc)
	rec := storage.Delivery{
		UserID:    userID,
		Kind:      p.kind,
		Date:      local.Format(storage.DateLayout),
		Slot:      p.slot(local, f.Key),
		Scheduled: f.Scheduled,
	}

	if p.skippable {
		flags, err := d.store.DailyFlags(ctx, userID, rec.Date)
		if err != nil {
			return err
		}
		if flags.Skip {
			d.finish(ctx, rec, storage.DeliverySuppressed, nil)
			return nil
		}
	}

	claimed, err := d.store.MarkDelivered(ctx, userID, rec.Date, rec.Slot)
	if err != nil {
		return err
	}
	if !claimed {
		d.log.Debug("slot already delivered",
			logx.Int64("user", userID),
			logx.String("date", rec.Date),
			logx.String("slot", rec.Slot),
		)
		return nil
	}

	if err := p.send(ctx, u); err != nil {
		d.finish(ctx, rec, storage.DeliveryFailed, err)
		return err
	}
	d.finish(ctx, rec, storage.DeliverySent, nil)
	return nil
}

func (d *Delivery) finish(ctx context.Context, rec storage.Delivery, status string, sendErr error) {
	rec.ID = uuid.NewString()
	rec.At = d.now()
	rec.Status = status
	ev := DeliveryEvent{UserID: rec.UserID, Kind: rec.Kind, Date: rec.Date, Slot: rec.Slot, Status: status}
	if sendErr != nil {
		rec.Error = sendErr.Error()
		ev.Error = rec.Error
	}

	if err := d.store.RecordDelivery(ctx, rec); err != nil {
		d.log.Warn("failed to record delivery", logx.Int64("user", rec.UserID), logx.Err(err))
	}
	d.bus.Publish(eventbus.Event{Type: "delivery." + status, Data: ev})

	if status == storage.DeliverySuppressed {
		d.log.Debug("delivery suppressed by skip", logx.Int64("user", rec.UserID), logx.String("date", rec.Date), logx.String("slot", rec.Slot))
	}
}
