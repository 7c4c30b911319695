package scheduler

import (
	"fmt"
	"strconv"
	"strings"
)

// Category is the kind of job a key belongs to.
type Category string

const (
	CategoryPing        Category = "ping"
	CategoryDigest      Category = "digest"
	CategoryPostpone    Category = "postpone"
	CategoryMaintenance Category = "maintenance"
)

// JobKey identifies a job. Re-deriving the same logical job yields the same key.
// System jobs use UserID 0.
type JobKey struct {
	UserID        int64
	Category      Category
	Discriminator string
}

func UserKey(userID int64, c Category, disc string) JobKey {
	return JobKey{UserID: userID, Category: c, Discriminator: disc}
}

func SystemKey(c Category, disc string) JobKey {
	return JobKey{Category: c, Discriminator: disc}
}

func (k JobKey) IsSystem() bool { return k.UserID == 0 }

// BelongsTo reports whether the key is one of userID's jobs.
func (k JobKey) BelongsTo(userID int64) bool {
	return userID != 0 && k.UserID == userID
}

func (k JobKey) String() string {
	owner := "sys"
	if !k.IsSystem() {
		owner = "u" + strconv.FormatInt(k.UserID, 10)
	}
	return owner + "/" + string(k.Category) + "/" + k.Discriminator
}

func (k JobKey) validate() error {
	if k.Category == "" {
		return fmt.Errorf("%w: empty category", ErrInvalidJob)
	}
	if strings.TrimSpace(k.Discriminator) == "" {
		return fmt.Errorf("%w: empty discriminator", ErrInvalidJob)
	}
	if k.UserID < 0 {
		return fmt.Errorf("%w: negative user id", ErrInvalidJob)
	}
	return nil
}

// KeyFilter selects keys for RemoveMatching and ListMatching.
type KeyFilter func(JobKey) bool

// OfUser matches every job of userID in the given categories (all when none given).
func OfUser(userID int64, cats ...Category) KeyFilter {
	return func(k JobKey) bool {
		if !k.BelongsTo(userID) {
			return false
		}
		if len(cats) == 0 {
			return true
		}
		for _, c := range cats {
			if k.Category == c {
				return true
			}
		}
		return false
	}
}

// InCategory matches every key of the given categories.
func InCategory(cats ...Category) KeyFilter {
	return func(k JobKey) bool {
		for _, c := range cats {
			if k.Category == c {
				return true
			}
		}
		return false
	}
}
