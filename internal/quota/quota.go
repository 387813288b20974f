// Package quota holds the per-role mutation limits for the ledger. Limits are
// a pure lookup table so tiers can be tuned without touching engine code.
package quota

import (
	"fmt"
	"time"
)

type Role string

const (
	RoleGuest Role = "guest"
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleGuest, RoleUser, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Limits caps a single user's footprint. A nil field means unconstrained.
type Limits struct {
	ActiveLots  *int
	DailyTrades *int
}

type Table map[Role]Limits

// Default returns the built-in tiers: guest is the restricted trial tier,
// user is the standard paid tier, admin is unconstrained.
func Default() Table {
	return Table{
		RoleGuest: {ActiveLots: intPtr(10), DailyTrades: intPtr(10)},
		RoleUser:  {ActiveLots: intPtr(50), DailyTrades: intPtr(50)},
		RoleAdmin: {},
	}
}

// For looks up the limits for a role. Unknown roles get the guest limits so a
// bad role claim never widens a quota.
func (t Table) For(role Role) Limits {
	if l, ok := t[role]; ok {
		return l
	}
	return t[RoleGuest]
}

// Override replaces individual limits for a role, keeping the rest.
func (t Table) Override(role Role, activeLots, dailyTrades *int) {
	l := t[role]
	if activeLots != nil {
		l.ActiveLots = activeLots
	}
	if dailyTrades != nil {
		l.DailyTrades = dailyTrades
	}
	t[role] = l
}

// DayWindow returns [startOfDay, startOfNextDay) around now, in now's
// location. Daily trade counting uses this window.
func DayWindow(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return start, start.AddDate(0, 0, 1)
}

func intPtr(n int) *int { return &n }
