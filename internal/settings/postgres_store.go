package settings

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore reads and writes the single site_settings row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a settings store backed by PostgreSQL.
// The migration seeds the singleton row with defaults.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const settingsColumns = `
	navi_enabled, auto_warn_enabled, auto_temp_ban_enabled, auto_lockdown_enabled,
	auto_disable_signups, auto_read_only_mode, lockdown_alert_enabled, warn_message_enabled,
	lockdown_mode, disable_signups, read_only_mode, maintenance_mode, disable_messages, vip_only_mode,
	signups_per_window, messages_per_window, failed_logins_per_window,
	auto_response_enabled, escalation_multiplier, updated_at`

func (s *PostgresStore) Get(ctx context.Context) (*Settings, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM site_settings WHERE id = 1`)

	out := &Settings{}
	err := row.Scan(
		&out.NaviEnabled, &out.AutoWarnEnabled, &out.AutoTempBanEnabled, &out.AutoLockdownEnabled,
		&out.AutoDisableSignups, &out.AutoReadOnlyMode, &out.LockdownAlertEnabled, &out.WarnMessageEnabled,
		&out.LockdownMode, &out.DisableSignups, &out.ReadOnlyMode, &out.MaintenanceMode, &out.DisableMessages, &out.VIPOnlyMode,
		&out.SignupsPerWindow, &out.MessagesPerWindow, &out.FailedLoginsPerWindow,
		&out.AutoResponseEnabled, &out.EscalationMultiplier, &out.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return Defaults(), nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// flagColumns maps allow-listed toggle names to their columns. Only names in
// this map can ever reach the SQL below.
var flagColumns = map[string]string{
	FlagLockdownMode:    "lockdown_mode",
	FlagDisableSignups:  "disable_signups",
	FlagReadOnlyMode:    "read_only_mode",
	FlagMaintenanceMode: "maintenance_mode",
	FlagDisableMessages: "disable_messages",
	FlagVIPOnlyMode:     "vip_only_mode",
}

func (s *PostgresStore) SetFlag(ctx context.Context, name string, value bool) error {
	col, ok := flagColumns[name]
	if !ok {
		return ErrUnknownFlag
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE site_settings SET %s = $1, updated_at = NOW() WHERE id = 1`, col), value)
	return err
}

func (s *PostgresStore) Update(ctx context.Context, next *Settings) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE site_settings SET
			navi_enabled = $1, auto_warn_enabled = $2, auto_temp_ban_enabled = $3, auto_lockdown_enabled = $4,
			auto_disable_signups = $5, auto_read_only_mode = $6, lockdown_alert_enabled = $7, warn_message_enabled = $8,
			lockdown_mode = $9, disable_signups = $10, read_only_mode = $11, maintenance_mode = $12,
			disable_messages = $13, vip_only_mode = $14,
			signups_per_window = $15, messages_per_window = $16, failed_logins_per_window = $17,
			auto_response_enabled = $18, escalation_multiplier = $19, updated_at = NOW()
		WHERE id = 1
	`,
		next.NaviEnabled, next.AutoWarnEnabled, next.AutoTempBanEnabled, next.AutoLockdownEnabled,
		next.AutoDisableSignups, next.AutoReadOnlyMode, next.LockdownAlertEnabled, next.WarnMessageEnabled,
		next.LockdownMode, next.DisableSignups, next.ReadOnlyMode, next.MaintenanceMode,
		next.DisableMessages, next.VIPOnlyMode,
		next.SignupsPerWindow, next.MessagesPerWindow, next.FailedLoginsPerWindow,
		next.AutoResponseEnabled, next.EscalationMultiplier,
	)
	return err
}
