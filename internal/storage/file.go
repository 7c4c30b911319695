package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "moodping/pkg/logx"
)

const fileCompactEvery = 500

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of the full state)
//   - <prefix>.journal.jsonl (append-only journal since the snapshot)
//
// The journal is compacted into the snapshot every fileCompactEvery writes
// and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	st     fileState
	writes int
}

type fileState struct {
	Users      map[int64]User        `json:"users"`
	Flags      map[string]DailyFlags `json:"flags"`
	Deliveries []Delivery            `json:"deliveries"`
}

// journalRecord is one mutation. Only the fields relevant to Op are set.
type journalRecord struct {
	Op       string      `json:"op"`
	User     *User       `json:"user,omitempty"`
	UserID   int64       `json:"user_id,omitempty"`
	At       time.Time   `json:"at,omitempty"`
	Date     string      `json:"date,omitempty"`
	Slot     string      `json:"slot,omitempty"`
	Skip     bool        `json:"skip,omitempty"`
	Delivery *Delivery   `json:"delivery,omitempty"`
	Purge    *purgeParam `json:"purge,omitempty"`
}

type purgeParam struct {
	Now         time.Time `json:"now"`
	FlagsBefore string    `json:"flags_before"`
}

const (
	opUserSave   = "user.save"
	opUserDelete = "user.delete"
	opActivity   = "user.activity"
	opSkip       = "flag.skip"
	opDelivered  = "flag.delivered"
	opDelivery   = "delivery"
	opPurge      = "purge"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := newFileState()
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	replayed, err := replayJournal(journalPath, &st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	log.Debug("file store opened", logx.String("path", prefix), logx.Int("users", len(st.Users)), logx.Int("replayed", replayed))
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		st:           st,
	}, nil
}

func newFileState() fileState {
	return fileState{Users: map[int64]User{}, Flags: map[string]DailyFlags{}}
}

func flagKey(userID int64, date string) string {
	return fmt.Sprintf("%d|%s", userID, date)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	if cerr != nil {
		return cerr
	}
	return err
}

func (s *fileStore) Ping(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("file store closed")
	}
	return nil
}

// commitLocked applies r to the in-memory state and appends it to the journal.
func (s *fileStore) commitLocked(r journalRecord) error {
	if s.journal == nil {
		return errors.New("file store closed")
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.st.apply(r)
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (st *fileState) apply(r journalRecord) {
	switch r.Op {
	case opUserSave:
		if r.User != nil {
			st.Users[r.User.ID] = *r.User
		}
	case opUserDelete:
		delete(st.Users, r.UserID)
		for k, f := range st.Flags {
			if f.UserID == r.UserID {
				delete(st.Flags, k)
			}
		}
		n := 0
		for _, d := range st.Deliveries {
			if d.UserID != r.UserID {
				st.Deliveries[n] = d
				n++
			}
		}
		st.Deliveries = st.Deliveries[:n]
	case opActivity:
		if u, ok := st.Users[r.UserID]; ok {
			u.LastActivity = r.At
			st.Users[r.UserID] = u
		}
	case opSkip:
		f := st.flag(r.UserID, r.Date)
		f.Skip = r.Skip
		f.UpdatedAt = r.At
		st.Flags[flagKey(r.UserID, r.Date)] = f
	case opDelivered:
		f := st.flag(r.UserID, r.Date)
		if !f.HasDelivered(r.Slot) {
			f.Delivered = append(f.Delivered, r.Slot)
		}
		f.UpdatedAt = r.At
		st.Flags[flagKey(r.UserID, r.Date)] = f
	case opDelivery:
		if r.Delivery != nil {
			st.Deliveries = append(st.Deliveries, *r.Delivery)
		}
	case opPurge:
		if r.Purge != nil {
			st.purge(r.Purge.Now, r.Purge.FlagsBefore)
		}
	}
}

func (st *fileState) flag(userID int64, date string) DailyFlags {
	if f, ok := st.Flags[flagKey(userID, date)]; ok {
		f.Delivered = append([]string(nil), f.Delivered...)
		return f
	}
	return DailyFlags{UserID: userID, Date: date}
}

func (st *fileState) purge(now time.Time, flagsBefore string) PurgeStats {
	var ps PurgeStats
	n := 0
	for _, d := range st.Deliveries {
		days := DefaultRetentionDays
		if u, ok := st.Users[d.UserID]; ok && u.RetentionDays > 0 {
			days = u.RetentionDays
		}
		if d.At.Before(retentionCutoff(now, days)) {
			ps.Deliveries++
			continue
		}
		st.Deliveries[n] = d
		n++
	}
	st.Deliveries = st.Deliveries[:n]

	if flagsBefore != "" {
		for k, f := range st.Flags {
			if f.Date < flagsBefore {
				delete(st.Flags, k)
				ps.Flags++
			}
		}
	}
	return ps
}

func (s *fileStore) GetUser(ctx context.Context, id int64) (User, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.Users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	u.PingTimes = append([]string(nil), u.PingTimes...)
	return u, nil
}

func (s *fileStore) SaveUser(ctx context.Context, u User) error {
	_ = ctx
	if u.ID == 0 {
		return errors.New("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u.PingTimes = append([]string(nil), u.PingTimes...)
	return s.commitLocked(journalRecord{Op: opUserSave, User: &u})
}

func (s *fileStore) DeleteUser(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.Users[id]; !ok {
		return ErrNotFound
	}
	return s.commitLocked(journalRecord{Op: opUserDelete, UserID: id})
}

func (s *fileStore) TouchActivity(ctx context.Context, id int64, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.Users[id]; !ok {
		return ErrNotFound
	}
	return s.commitLocked(journalRecord{Op: opActivity, UserID: id, At: at})
}

func (s *fileStore) ActiveUsers(ctx context.Context, since time.Time) ([]User, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]User, 0, len(s.st.Users))
	for _, u := range s.st.Users {
		if u.Paused || u.LastActivity.Before(since) {
			continue
		}
		u.PingTimes = append([]string(nil), u.PingTimes...)
		out = append(out, u)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) DailyFlags(ctx context.Context, userID int64, date string) (DailyFlags, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.flag(userID, date), nil
}

func (s *fileStore) SetSkip(ctx context.Context, userID int64, date string, skip bool) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalRecord{Op: opSkip, UserID: userID, Date: date, Skip: skip, At: time.Now().UTC()})
}

func (s *fileStore) MarkDelivered(ctx context.Context, userID int64, date, slot string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.flag(userID, date).HasDelivered(slot) {
		return false, nil
	}
	if err := s.commitLocked(journalRecord{Op: opDelivered, UserID: userID, Date: date, Slot: slot, At: time.Now().UTC()}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) PurgeFlags(ctx context.Context, before string) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, f := range s.st.Flags {
		if f.Date < before {
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	// A purge with a zero Now only drops flags.
	return n, s.commitLocked(journalRecord{Op: opPurge, Purge: &purgeParam{FlagsBefore: before}})
}

func (s *fileStore) RecordDelivery(ctx context.Context, d Delivery) error {
	_ = ctx
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalRecord{Op: opDelivery, Delivery: &d})
}

func (s *fileStore) PurgeExpired(ctx context.Context, now time.Time, flagRetention time.Duration) (PurgeStats, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return PurgeStats{}, errors.New("file store closed")
	}
	p := &purgeParam{Now: now, FlagsBefore: flagCutoff(now, flagRetention)}

	// Count on a copy so the journal record is written before the state changes.
	probe := fileState{Users: s.st.Users, Flags: make(map[string]DailyFlags, len(s.st.Flags)), Deliveries: append([]Delivery(nil), s.st.Deliveries...)}
	for k, v := range s.st.Flags {
		probe.Flags[k] = v
	}
	stats := probe.purge(p.Now, p.FlagsBefore)
	if stats.Deliveries == 0 && stats.Flags == 0 {
		return stats, nil
	}
	return stats, s.commitLocked(journalRecord{Op: opPurge, Purge: p})
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.Users {
		out.Users[k] = v
	}
	for k, v := range st.Flags {
		out.Flags[k] = v
	}
	out.Deliveries = append(out.Deliveries, st.Deliveries...)
	return nil
}

func replayJournal(path string, st *fileState) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		// A torn final line after a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Op == "" {
			continue
		}
		st.apply(r)
		n++
	}
	return n, sc.Err()
}
