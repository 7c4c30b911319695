package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"moodping/internal/checkin"
	"moodping/internal/preferences"
	"moodping/internal/schedule"
	"moodping/internal/storage"
	"moodping/internal/task/scheduler"
	kit "moodping/internal/transport"
)

// Preferences is satisfied by *preferences.Service.
type Preferences interface {
	Register(ctx context.Context, userID, chatID int64) (storage.User, bool, error)
	Get(ctx context.Context, userID int64) (storage.User, error)
	SetTimezone(ctx context.Context, userID int64, tz string) (storage.User, error)
	SetPingTimes(ctx context.Context, userID int64, times []string) (storage.User, error)
	SetWeekends(ctx context.Context, userID int64, include bool) (storage.User, error)
	SetDigest(ctx context.Context, userID int64, weekday int, at string) (storage.User, error)
	SetRetention(ctx context.Context, userID int64, days int) (storage.User, error)
	Pause(ctx context.Context, userID int64) (storage.User, error)
	Resume(ctx context.Context, userID int64) (storage.User, error)
	Delete(ctx context.Context, userID int64) error
	Touch(ctx context.Context, userID int64) error
}

// Checkin is satisfied by *checkin.Controller.
type Checkin interface {
	Postpone(ctx context.Context, userID int64, minutes int) (scheduler.JobKey, time.Time, error)
	CancelPostponements(userID int64) int
	SkipToday(ctx context.Context, userID int64) (string, error)
}

// Inline button data for the /delete_me confirmation.
const (
	ActionDeleteConfirm = "delete_me:confirm"
	ActionDeleteCancel  = "delete_me:cancel"
)

type handlers struct {
	prefs Preferences
	ci    Checkin
	cmds  func() []Command
}

// Register installs the bot's commands and ping callbacks on r and routes
// activity to prefs.Touch.
func Register(r *Router, prefs Preferences, ci Checkin) {
	h := &handlers{prefs: prefs, ci: ci, cmds: r.Commands}

	r.Handle(Command{Name: "start", Description: "Start reminders", Usage: "/start", Handle: h.start})
	r.Handle(Command{Name: "settings", Description: "Show your settings", Usage: "/settings", Handle: h.settings})
	r.Handle(Command{Name: "pause", Description: "Pause all reminders", Usage: "/pause", Handle: h.pause})
	r.Handle(Command{Name: "resume", Description: "Resume reminders", Usage: "/resume", Handle: h.resume})
	r.Handle(Command{Name: "times", Description: "Set ping times", Usage: "/times HH:MM[,HH:MM...] | /times none", Handle: h.times})
	r.Handle(Command{Name: "tz", Description: "Set timezone", Usage: "/tz Europe/Berlin", Handle: h.timezone})
	r.Handle(Command{Name: "weekends", Description: "Pings on weekends", Usage: "/weekends on|off", Handle: h.weekends})
	r.Handle(Command{Name: "digest", Description: "Weekly digest day and time", Usage: "/digest <weekday 0-6> <HH:MM>", Handle: h.digest})
	r.Handle(Command{Name: "retention", Description: "Days of history to keep", Usage: "/retention <days 30-3650>", Handle: h.retention})
	r.Handle(Command{Name: "postpone", Description: "Remind me later", Usage: "/postpone [minutes] | /postpone cancel", Handle: h.postpone})
	r.Handle(Command{Name: "skip", Description: "Skip the rest of today", Usage: "/skip", Handle: h.skip})
	r.Handle(Command{Name: "delete_me", Description: "Delete all your data", Usage: "/delete_me", Handle: h.deleteMe})
	r.Handle(Command{Name: "help", Description: "List commands", Usage: "/help", Handle: h.help})

	r.HandleCallback(CallbackRoute{Data: checkin.ActionPostpone, Handle: h.postponeButton})
	r.HandleCallback(CallbackRoute{Data: checkin.ActionSkipToday, Handle: h.skipButton})
	r.HandleCallback(CallbackRoute{Data: ActionDeleteConfirm, Handle: h.deleteConfirm})
	r.HandleCallback(CallbackRoute{Data: ActionDeleteCancel, Handle: h.deleteCancel})

	r.OnActivity(prefs.Touch)
}

func (h *handlers) start(ctx context.Context, req *Request) error {
	u, created, err := h.prefs.Register(ctx, req.FromID, req.Chat.ChatID)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	greet := "Welcome back!"
	if created {
		greet = "Hi! I will check in on your mood a few times a day."
	}
	return req.Reply(ctx, greet+"\n\n"+settingsText(u)+"\n\nChange them with /times, /tz, /weekends and /digest.")
}

func (h *handlers) settings(ctx context.Context, req *Request) error {
	u, err := h.prefs.Get(ctx, req.FromID)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	return req.Reply(ctx, settingsText(u))
}

func (h *handlers) pause(ctx context.Context, req *Request) error {
	if _, err := h.prefs.Pause(ctx, req.FromID); err != nil {
		return h.fail(ctx, req, err)
	}
	return req.Reply(ctx, "Reminders paused. Send /resume to turn them back on.")
}

func (h *handlers) resume(ctx context.Context, req *Request) error {
	if _, err := h.prefs.Resume(ctx, req.FromID); err != nil {
		return h.fail(ctx, req, err)
	}
	return req.Reply(ctx, "Reminders resumed.")
}

func (h *handlers) times(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "Usage: /times 09:00,13:00,21:00 (or /times none)")
	}
	u, err := h.prefs.SetPingTimes(ctx, req.FromID, parseTimes(req.Args))
	if err != nil {
		return h.fail(ctx, req, err)
	}
	return req.Reply(ctx, "Ping times: "+joinTimes(u.PingTimes))
}

func (h *handlers) timezone(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "Usage: /tz Europe/Berlin")
	}
	u, err := h.prefs.SetTimezone(ctx, req.FromID, req.Args[0])
	if err != nil {
		return h.fail(ctx, req, err)
	}
	return req.Reply(ctx, "Timezone set to "+u.Timezone+".")
}

func (h *handlers) weekends(ctx context.Context, req *Request) error {
	var include bool
	switch arg := strings.ToLower(strings.Join(req.Args, "")); arg {
	case "on", "yes", "true":
		include = true
	case "off", "no", "false":
	default:
		return req.Reply(ctx, "Usage: /weekends on|off")
	}
	if _, err := h.prefs.SetWeekends(ctx, req.FromID, include); err != nil {
		return h.fail(ctx, req, err)
	}
	if include {
		return req.Reply(ctx, "Pings will include weekends.")
	}
	return req.Reply(ctx, "Pings on weekdays only.")
}

func (h *handlers) digest(ctx context.Context, req *Request) error {
	if len(req.Args) != 2 {
		return req.Reply(ctx, "Usage: /digest <weekday 0-6, 0 is Sunday> <HH:MM>")
	}
	wd, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return req.Reply(ctx, "Weekday must be a number from 0 (Sunday) to 6 (Saturday).")
	}
	u, err := h.prefs.SetDigest(ctx, req.FromID, wd, req.Args[1])
	if err != nil {
		return h.fail(ctx, req, err)
	}
	return req.Reply(ctx, "Weekly digest: "+digestText(u)+".")
}

func (h *handlers) retention(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, fmt.Sprintf("Usage: /retention <days %d-%d>", preferences.MinRetentionDays, preferences.MaxRetentionDays))
	}
	days, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return req.Reply(ctx, "Days must be a whole number.")
	}
	u, err := h.prefs.SetRetention(ctx, req.FromID, days)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	return req.Reply(ctx, fmt.Sprintf("History is kept for %d days.", u.RetentionDays))
}

func (h *handlers) postpone(ctx context.Context, req *Request) error {
	if len(req.Args) == 1 && strings.EqualFold(req.Args[0], "cancel") {
		if n := h.ci.CancelPostponements(req.FromID); n > 0 {
			return req.Reply(ctx, "Postponed reminder cancelled.")
		}
		return req.Reply(ctx, "Nothing is postponed.")
	}
	minutes := 0
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil {
			return req.Reply(ctx, "Usage: /postpone [minutes]")
		}
		minutes = n
	}
	at, err := h.postponeUntil(ctx, req.FromID, minutes)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	return req.Reply(ctx, "OK, I will ping you again at "+at+".")
}

func (h *handlers) skip(ctx context.Context, req *Request) error {
	if _, err := h.ci.SkipToday(ctx, req.FromID); err != nil {
		return h.fail(ctx, req, err)
	}
	return req.Reply(ctx, "No more pings today. See you tomorrow.")
}

func (h *handlers) deleteMe(ctx context.Context, req *Request) error {
	return req.ReplyButtons(ctx,
		"This deletes your settings, schedule and check-in history. It cannot be undone.",
		kit.Button{Text: "Delete everything", Data: ActionDeleteConfirm},
		kit.Button{Text: "Cancel", Data: ActionDeleteCancel},
	)
}

func (h *handlers) deleteConfirm(ctx context.Context, req *Request) error {
	if err := h.prefs.Delete(ctx, req.FromID); err != nil {
		req.Answer = userMessage(err)
		return ignoreUserError(err)
	}
	req.Answer = "Deleted"
	return h.closePing(ctx, req, "All your data was deleted. Send /start to begin again.")
}

func (h *handlers) deleteCancel(ctx context.Context, req *Request) error {
	req.Answer = "Cancelled"
	return h.closePing(ctx, req, "Nothing was deleted.")
}

func (h *handlers) help(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("Commands:")
	for _, c := range h.cmds() {
		fmt.Fprintf(&b, "\n%s - %s", c.Usage, c.Description)
	}
	return req.Reply(ctx, b.String())
}

func (h *handlers) postponeButton(ctx context.Context, req *Request) error {
	at, err := h.postponeUntil(ctx, req.FromID, checkin.DefaultPostponeMinutes)
	if err != nil {
		req.Answer = userMessage(err)
		return ignoreUserError(err)
	}
	req.Answer = "Reminder in 15 minutes"
	return h.closePing(ctx, req, "Postponed until "+at+".")
}

func (h *handlers) skipButton(ctx context.Context, req *Request) error {
	if _, err := h.ci.SkipToday(ctx, req.FromID); err != nil {
		req.Answer = userMessage(err)
		return ignoreUserError(err)
	}
	req.Answer = "Skipped for today"
	return h.closePing(ctx, req, "Skipped for today.")
}

// postponeUntil postpones and formats the fire time in the user's zone.
func (h *handlers) postponeUntil(ctx context.Context, userID int64, minutes int) (string, error) {
	_, at, err := h.ci.Postpone(ctx, userID, minutes)
	if err != nil {
		return "", err
	}
	if u, err := h.prefs.Get(ctx, userID); err == nil {
		if loc, err := schedule.LoadZone(u.Timezone); err == nil {
			at = at.In(loc)
		}
	}
	return at.Format("15:04"), nil
}

// closePing replaces the text of the message carrying the pressed button
// and removes its buttons.
func (h *handlers) closePing(ctx context.Context, req *Request, text string) error {
	if req.Callback == nil || req.Callback.MessageID == 0 {
		return nil
	}
	ref := kit.MessageRef{ChatID: req.Callback.ChatID, MessageID: req.Callback.MessageID}
	return req.Adapter.EditText(ctx, ref, text, &kit.SendOptions{Keyboard: [][]kit.Button{}})
}

// fail replies with a user-facing message. Only unexpected errors are
// returned to the middleware.
func (h *handlers) fail(ctx context.Context, req *Request, err error) error {
	if rerr := req.Reply(ctx, userMessage(err)); rerr != nil {
		return errors.Join(ignoreUserError(err), rerr)
	}
	return ignoreUserError(err)
}

func isUserError(err error) bool {
	return errors.Is(err, preferences.ErrValidation) ||
		errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, checkin.ErrPaused) ||
		errors.Is(err, checkin.ErrInvalidMinutes)
}

func ignoreUserError(err error) error {
	if isUserError(err) {
		return nil
	}
	return err
}

func userMessage(err error) string {
	var ve *preferences.ValidationError
	switch {
	case errors.As(err, &ve):
		return fmt.Sprintf("Invalid %s: %s.", strings.ReplaceAll(ve.Field, "_", " "), ve.Reason)
	case errors.Is(err, storage.ErrNotFound):
		return "I don't know you yet. Send /start first."
	case errors.Is(err, checkin.ErrPaused):
		return "Reminders are paused. Send /resume first."
	case errors.Is(err, checkin.ErrInvalidMinutes):
		return fmt.Sprintf("Minutes must be between 1 and %d.", checkin.MaxPostponeMinutes)
	default:
		return "Something went wrong, try again later."
	}
}

// parseTimes accepts times separated by commas and/or spaces. "none" and
// "off" clear the list.
func parseTimes(args []string) []string {
	joined := strings.ToLower(strings.Join(args, " "))
	if joined == "none" || joined == "off" {
		return []string{}
	}
	return strings.FieldsFunc(joined, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
}

func joinTimes(ts []string) string {
	if len(ts) == 0 {
		return "none"
	}
	return strings.Join(ts, ", ")
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func digestText(u storage.User) string {
	return time.Weekday(u.DigestWeekday).String() + " at " + u.DigestTime
}

func settingsText(u storage.User) string {
	status := "active"
	if u.Paused {
		status = "paused"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s\n", status)
	fmt.Fprintf(&b, "Timezone: %s\n", u.Timezone)
	fmt.Fprintf(&b, "Ping times: %s\n", joinTimes(u.PingTimes))
	fmt.Fprintf(&b, "Weekends: %s\n", onOff(u.IncludeWeekends))
	fmt.Fprintf(&b, "Weekly digest: %s\n", digestText(u))
	fmt.Fprintf(&b, "History kept: %d days", u.RetentionDays)
	return b.String()
}
