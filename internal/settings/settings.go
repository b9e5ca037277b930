// Package settings holds the site-wide feature toggles and thresholds.
//
// The settings row is the single source of truth for "is this action class
// currently permitted". Human operators can edit it at any time, so the
// engine always re-reads it immediately before deciding or acting; nothing
// here is cached across decision cycles.
package settings

import (
	"context"
	"errors"
	"time"

	"github.com/navidesk/sentinel/internal/threat"
)

// ErrUnknownFlag is returned for toggles outside the allow-list.
var ErrUnknownFlag = errors.New("settings: unknown toggle")

// Flag names accepted by SetFlag and the executor's toggle operation.
const (
	FlagLockdownMode    = "lockdown_mode"
	FlagDisableSignups  = "disable_signups"
	FlagReadOnlyMode    = "read_only_mode"
	FlagMaintenanceMode = "maintenance_mode"
	FlagDisableMessages = "disable_messages"
	FlagVIPOnlyMode     = "vip_only_mode"
)

// Settings is the global singleton of toggles and thresholds.
type Settings struct {
	// Engine governors: each must be on for the matching autonomous
	// behavior to be permitted at all.
	NaviEnabled          bool `json:"naviEnabled"`
	AutoWarnEnabled      bool `json:"autoWarnEnabled"`
	AutoTempBanEnabled   bool `json:"autoTempBanEnabled"`
	AutoLockdownEnabled  bool `json:"autoLockdownEnabled"`
	AutoDisableSignups   bool `json:"autoDisableSignups"`
	AutoReadOnlyMode     bool `json:"autoReadOnlyMode"`
	LockdownAlertEnabled bool `json:"lockdownAlertEnabled"`
	WarnMessageEnabled   bool `json:"warnMessageEnabled"`

	// Site state flags flipped by the executor or by operators.
	LockdownMode    bool `json:"lockdownMode"`
	DisableSignups  bool `json:"disableSignups"`
	ReadOnlyMode    bool `json:"readOnlyMode"`
	MaintenanceMode bool `json:"maintenanceMode"`
	DisableMessages bool `json:"disableMessages"`
	VIPOnlyMode     bool `json:"vipOnlyMode"`

	// Thresholds for the 5-minute window.
	SignupsPerWindow      int     `json:"signupsPerWindow"`
	MessagesPerWindow     int     `json:"messagesPerWindow"`
	FailedLoginsPerWindow int     `json:"failedLoginsPerWindow"`
	AutoResponseEnabled   bool    `json:"autoResponseEnabled"`
	EscalationMultiplier  float64 `json:"escalationMultiplier"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Defaults returns the settings used when no row exists yet.
func Defaults() *Settings {
	return &Settings{
		NaviEnabled:          true,
		AutoWarnEnabled:      true,
		AutoTempBanEnabled:   true,
		AutoLockdownEnabled:  false, // lockdown opt-in by operators
		AutoDisableSignups:   true,
		AutoReadOnlyMode:     true,
		LockdownAlertEnabled: true,
		WarnMessageEnabled:   true,

		SignupsPerWindow:      10,
		MessagesPerWindow:     50,
		FailedLoginsPerWindow: 20,
		AutoResponseEnabled:   true,
		EscalationMultiplier:  threat.DefaultEscalationMultiplier,
	}
}

// Store reads and mutates the settings singleton.
type Store interface {
	// Get returns the current settings. Implementations must not cache.
	Get(ctx context.Context) (*Settings, error)
	// SetFlag flips one allow-listed toggle.
	SetFlag(ctx context.Context, name string, value bool) error
	// Update replaces the whole row (operator configuration path).
	Update(ctx context.Context, s *Settings) error
}

// Thresholds extracts the evaluator configuration.
func (s *Settings) Thresholds() threat.Thresholds {
	return threat.Thresholds{
		SignupsPerWindow:      s.SignupsPerWindow,
		MessagesPerWindow:     s.MessagesPerWindow,
		FailedLoginsPerWindow: s.FailedLoginsPerWindow,
		AutoResponseEnabled:   s.AutoResponseEnabled,
		EscalationMultiplier:  s.EscalationMultiplier,
	}
}

// FlagValue looks up a toggle by its wire name. The second return is false
// for names outside the allow-list.
func (s *Settings) FlagValue(name string) (bool, bool) {
	switch name {
	case FlagLockdownMode:
		return s.LockdownMode, true
	case FlagDisableSignups:
		return s.DisableSignups, true
	case FlagReadOnlyMode:
		return s.ReadOnlyMode, true
	case FlagMaintenanceMode:
		return s.MaintenanceMode, true
	case FlagDisableMessages:
		return s.DisableMessages, true
	case FlagVIPOnlyMode:
		return s.VIPOnlyMode, true
	}
	return false, false
}

// setFlag mutates a toggle in place. Shared by the store implementations.
func (s *Settings) setFlag(name string, value bool) error {
	switch name {
	case FlagLockdownMode:
		s.LockdownMode = value
	case FlagDisableSignups:
		s.DisableSignups = value
	case FlagReadOnlyMode:
		s.ReadOnlyMode = value
	case FlagMaintenanceMode:
		s.MaintenanceMode = value
	case FlagDisableMessages:
		s.DisableMessages = value
	case FlagVIPOnlyMode:
		s.VIPOnlyMode = value
	default:
		return ErrUnknownFlag
	}
	return nil
}

// GovernorAllows reports whether the governor for a state flag permits the
// engine to flip it. Flags without a dedicated governor are always allowed;
// callers still gate on the global AutoResponseEnabled separately.
func (s *Settings) GovernorAllows(flag string) bool {
	switch flag {
	case FlagDisableSignups:
		return s.AutoDisableSignups
	case FlagReadOnlyMode:
		return s.AutoReadOnlyMode
	case FlagLockdownMode:
		return s.AutoLockdownEnabled
	}
	return true
}
