// Package postgres persists trusted devices and session leases.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/blazewallet/device-trust/internal/crypto"
	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/resilience"
	"github.com/blazewallet/device-trust/internal/session"
)

// Repository errors
var (
	ErrDeviceNotFound = errors.New("device not found")
	// ErrRepositoryUnavailable wraps transient storage failures. Callers in
	// the verification chain treat it like not-found and fall through to the
	// next layer rather than failing the request outright.
	ErrRepositoryUnavailable = errors.New("device repository unavailable")
)

// DB is the slice of pgxpool.Pool the repository uses.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TrustedDeviceRepository handles trusted device persistence in PostgreSQL.
// IP addresses pass through the field encryptor on the way in and out;
// fingerprints are stored clear because fuzzy matching needs them.
//
// Not-found is classified outside the circuit breaker: an unknown device
// or lease is an answer, not a storage failure, and a burst of new-device
// verifications must not open the breaker for everyone else.
type TrustedDeviceRepository struct {
	pool      DB
	encryptor *crypto.FieldEncryptor
	cb        *resilience.CircuitBreaker
}

// NewTrustedDeviceRepository creates a new trusted device repository
func NewTrustedDeviceRepository(pool DB, encryptor *crypto.FieldEncryptor, cb *resilience.CircuitBreaker) *TrustedDeviceRepository {
	return &TrustedDeviceRepository{
		pool:      pool,
		encryptor: encryptor,
		cb:        cb,
	}
}

const deviceColumns = `
	id, user_id, device_id, device_label, fingerprint, ip_address,
	browser, browser_version, os, os_version, screen_resolution,
	timezone, language, country, city, verified_at, last_used_at,
	session_token, last_verified_session_at, created_at, deleted_at`

// GetByDeviceID retrieves a user's device record by its client device ID
func (r *TrustedDeviceRepository) GetByDeviceID(ctx context.Context, userID, deviceID uuid.UUID) (*domain.TrustedDeviceRecord, error) {
	result, err := r.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return r.getOne(ctx,
			`SELECT `+deviceColumns+`
			FROM trusted_devices
			WHERE user_id = $1 AND device_id = $2 AND deleted_at IS NULL`,
			userID, deviceID)
	})
	return foundDevice(result, err)
}

// GetByID retrieves a device record by its primary key
func (r *TrustedDeviceRepository) GetByID(ctx context.Context, userID, recordID uuid.UUID) (*domain.TrustedDeviceRecord, error) {
	result, err := r.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return r.getOne(ctx,
			`SELECT `+deviceColumns+`
			FROM trusted_devices
			WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`,
			recordID, userID)
	})
	return foundDevice(result, err)
}

// GetByFingerprint retrieves a user's device record by exact fingerprint
func (r *TrustedDeviceRepository) GetByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (*domain.TrustedDeviceRecord, error) {
	result, err := r.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return r.getOne(ctx,
			`SELECT `+deviceColumns+`
			FROM trusted_devices
			WHERE user_id = $1 AND fingerprint = $2 AND deleted_at IS NULL`,
			userID, fingerprint)
	})
	return foundDevice(result, err)
}

// ListVerified retrieves a user's verified devices, most recently used first.
// These are the fuzzy-match candidates.
func (r *TrustedDeviceRepository) ListVerified(ctx context.Context, userID uuid.UUID) ([]*domain.TrustedDeviceRecord, error) {
	result, err := r.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return r.list(ctx,
			`SELECT `+deviceColumns+`
			FROM trusted_devices
			WHERE user_id = $1 AND verified_at IS NOT NULL AND deleted_at IS NULL
			ORDER BY last_used_at DESC`,
			userID)
	})
	if err != nil {
		return nil, wrapTransient(err)
	}
	return result.([]*domain.TrustedDeviceRecord), nil
}

// ListByUserID retrieves all of a user's active devices, verified or not
func (r *TrustedDeviceRepository) ListByUserID(ctx context.Context, userID uuid.UUID) ([]*domain.TrustedDeviceRecord, error) {
	result, err := r.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return r.list(ctx,
			`SELECT `+deviceColumns+`
			FROM trusted_devices
			WHERE user_id = $1 AND deleted_at IS NULL
			ORDER BY last_used_at DESC`,
			userID)
	})
	if err != nil {
		return nil, wrapTransient(err)
	}
	return result.([]*domain.TrustedDeviceRecord), nil
}

// Upsert inserts or refreshes a device record keyed on (user_id, device_id).
// Replays are idempotent: a second registration of the same device updates
// the observed signals instead of duplicating the row.
func (r *TrustedDeviceRepository) Upsert(ctx context.Context, record *domain.TrustedDeviceRecord) error {
	encryptedIP, err := r.encryptor.EncryptString(record.IPAddress)
	if err != nil {
		return fmt.Errorf("failed to encrypt ip address: %w", err)
	}

	_, err = r.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, r.upsert(ctx, record, encryptedIP)
	})
	return wrapTransient(err)
}

func (r *TrustedDeviceRepository) upsert(ctx context.Context, record *domain.TrustedDeviceRecord, encryptedIP string) error {
	query := `
		INSERT INTO trusted_devices (
			id, user_id, device_id, device_label, fingerprint, ip_address,
			browser, browser_version, os, os_version, screen_resolution,
			timezone, language, country, city, verified_at, last_used_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			device_label = EXCLUDED.device_label,
			fingerprint = EXCLUDED.fingerprint,
			ip_address = EXCLUDED.ip_address,
			browser = EXCLUDED.browser,
			browser_version = EXCLUDED.browser_version,
			os = EXCLUDED.os,
			os_version = EXCLUDED.os_version,
			screen_resolution = EXCLUDED.screen_resolution,
			timezone = EXCLUDED.timezone,
			language = EXCLUDED.language,
			country = EXCLUDED.country,
			city = EXCLUDED.city,
			verified_at = COALESCE(trusted_devices.verified_at, EXCLUDED.verified_at),
			last_used_at = GREATEST(trusted_devices.last_used_at, EXCLUDED.last_used_at),
			deleted_at = NULL
		RETURNING id, created_at`

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.LastUsedAt.IsZero() {
		record.LastUsedAt = time.Now().UTC()
	}

	err := r.pool.QueryRow(ctx, query,
		record.ID,
		record.UserID,
		record.DeviceID,
		nullString(record.DeviceLabel),
		record.Fingerprint,
		encryptedIP,
		nullString(record.Browser),
		nullString(record.BrowserVersion),
		nullString(record.OS),
		nullString(record.OSVersion),
		nullString(record.ScreenResolution),
		nullString(record.Timezone),
		nullString(record.Language),
		nullString(record.Country),
		nullString(record.City),
		record.VerifiedAt,
		record.LastUsedAt,
	).Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

// TouchLastUsed advances last_used_at. It never moves backwards.
func (r *TrustedDeviceRepository) TouchLastUsed(ctx context.Context, recordID uuid.UUID, usedAt time.Time) error {
	result, err := r.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		query := `
			UPDATE trusted_devices SET
				last_used_at = GREATEST(last_used_at, $1)
			WHERE id = $2 AND deleted_at IS NULL`

		tag, err := r.pool.Exec(ctx, query, usedAt, recordID)
		if err != nil {
			return nil, fmt.Errorf("failed to touch last used: %w", err)
		}
		return tag.RowsAffected(), nil
	})
	return touchedDevice(result, err)
}

// UpdateFingerprint overwrites the stored fingerprint for a device record.
// Used when drift stays within tolerance.
func (r *TrustedDeviceRepository) UpdateFingerprint(ctx context.Context, recordID uuid.UUID, fingerprint string) error {
	result, err := r.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		query := `
			UPDATE trusted_devices SET
				fingerprint = $1
			WHERE id = $2 AND deleted_at IS NULL`

		tag, err := r.pool.Exec(ctx, query, fingerprint, recordID)
		if err != nil {
			return nil, fmt.Errorf("failed to update fingerprint: %w", err)
		}
		return tag.RowsAffected(), nil
	})
	return touchedDevice(result, err)
}

// SoftDelete marks a device as removed
func (r *TrustedDeviceRepository) SoftDelete(ctx context.Context, userID, recordID uuid.UUID) error {
	result, err := r.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		query := `
			UPDATE trusted_devices SET
				deleted_at = NOW(),
				session_token = NULL
			WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`

		tag, err := r.pool.Exec(ctx, query, recordID, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to soft delete device: %w", err)
		}
		return tag.RowsAffected(), nil
	})
	return touchedDevice(result, err)
}

// CreateSession stores a new lease and mirrors the token onto the device
// row, in one transaction.
func (r *TrustedDeviceRepository) CreateSession(ctx context.Context, lease domain.SessionLease) error {
	_, err := r.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, r.createSession(ctx, lease)
	})
	return wrapTransient(err)
}

func (r *TrustedDeviceRepository) createSession(ctx context.Context, lease domain.SessionLease) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin session transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO device_sessions (token, user_id, device_record_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		lease.Token, lease.UserID, lease.DeviceRecordID, lease.IssuedAt, lease.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE trusted_devices SET
			session_token = $1,
			last_verified_session_at = $2
		WHERE id = $3 AND user_id = $4 AND deleted_at IS NULL`,
		lease.Token, lease.IssuedAt, lease.DeviceRecordID, lease.UserID)
	if err != nil {
		return fmt.Errorf("failed to attach session to device: %w", err)
	}

	return tx.Commit(ctx)
}

// ValidateSession loads a lease by user and token. Expiry is the caller's
// call; this only filters out revoked leases.
func (r *TrustedDeviceRepository) ValidateSession(ctx context.Context, userID uuid.UUID, token string) (*domain.SessionLease, error) {
	result, err := r.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		query := `
			SELECT token, user_id, device_record_id, issued_at, expires_at
			FROM device_sessions
			WHERE user_id = $1 AND token = $2 AND revoked_at IS NULL`

		var lease domain.SessionLease
		err := r.pool.QueryRow(ctx, query, userID, token).Scan(
			&lease.Token,
			&lease.UserID,
			&lease.DeviceRecordID,
			&lease.IssuedAt,
			&lease.ExpiresAt,
		)
		if err != nil {
			// An unknown lease is an answer, not a breaker failure
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		return &lease, nil
	})
	if err != nil {
		return nil, wrapTransient(err)
	}
	lease, _ := result.(*domain.SessionLease)
	if lease == nil {
		return nil, session.ErrLeaseNotFound
	}
	return lease, nil
}

// ExtendSession moves a lease's expiry and refreshes the device row's
// verification timestamp
func (r *TrustedDeviceRepository) ExtendSession(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) error {
	result, err := r.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		query := `
			UPDATE device_sessions SET
				expires_at = $1
			WHERE user_id = $2 AND token = $3 AND revoked_at IS NULL`

		tag, err := r.pool.Exec(ctx, query, expiresAt, userID, token)
		if err != nil {
			return nil, fmt.Errorf("failed to extend session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return int64(0), nil
		}

		_, err = r.pool.Exec(ctx, `
			UPDATE trusted_devices SET
				last_verified_session_at = $1
			WHERE user_id = $2 AND session_token = $3 AND deleted_at IS NULL`,
			expiresAt.Add(-domain.SessionGraceWindow), userID, token)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh device session timestamp: %w", err)
		}
		return tag.RowsAffected(), nil
	})
	return touchedLease(result, err)
}

// RevokeSession invalidates a lease and detaches it from the device row
func (r *TrustedDeviceRepository) RevokeSession(ctx context.Context, userID uuid.UUID, token string) error {
	result, err := r.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		query := `
			UPDATE device_sessions SET
				revoked_at = NOW()
			WHERE user_id = $1 AND token = $2 AND revoked_at IS NULL`

		tag, err := r.pool.Exec(ctx, query, userID, token)
		if err != nil {
			return nil, fmt.Errorf("failed to revoke session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return int64(0), nil
		}

		_, err = r.pool.Exec(ctx, `
			UPDATE trusted_devices SET
				session_token = NULL
			WHERE user_id = $1 AND session_token = $2`,
			userID, token)
		if err != nil {
			return nil, fmt.Errorf("failed to detach session from device: %w", err)
		}
		return tag.RowsAffected(), nil
	})
	return touchedLease(result, err)
}

// getOne runs inside the circuit breaker and reports "no such device" as a
// nil record with a nil error, so the breaker counts it as a success.
func (r *TrustedDeviceRepository) getOne(ctx context.Context, query string, args ...any) (*domain.TrustedDeviceRecord, error) {
	record, err := r.scanDevice(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// foundDevice translates a breaker result back into the repository contract:
// a nil record means the device does not exist.
func foundDevice(result interface{}, err error) (*domain.TrustedDeviceRecord, error) {
	if err != nil {
		return nil, wrapTransient(err)
	}
	record, _ := result.(*domain.TrustedDeviceRecord)
	if record == nil {
		return nil, ErrDeviceNotFound
	}
	return record, nil
}

func (r *TrustedDeviceRepository) list(ctx context.Context, query string, args ...any) ([]*domain.TrustedDeviceRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var records []*domain.TrustedDeviceRecord
	for rows.Next() {
		record, err := r.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// scanDevice scans a row into a TrustedDeviceRecord, decrypting the IP
func (r *TrustedDeviceRepository) scanDevice(row pgx.Row) (*domain.TrustedDeviceRecord, error) {
	var record domain.TrustedDeviceRecord
	var deviceLabel, browser, browserVersion, osName, osVersion sql.NullString
	var screenResolution, timezone, language, country, city sql.NullString
	var sessionToken sql.NullString
	var encryptedIP string
	var verifiedAt, lastVerifiedSessionAt, deletedAt sql.NullTime

	err := row.Scan(
		&record.ID,
		&record.UserID,
		&record.DeviceID,
		&deviceLabel,
		&record.Fingerprint,
		&encryptedIP,
		&browser,
		&browserVersion,
		&osName,
		&osVersion,
		&screenResolution,
		&timezone,
		&language,
		&country,
		&city,
		&verifiedAt,
		&record.LastUsedAt,
		&sessionToken,
		&lastVerifiedSessionAt,
		&record.CreatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if encryptedIP != "" {
		ip, _, err := r.encryptor.DecryptString(encryptedIP)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt ip address: %w", err)
		}
		record.IPAddress = ip
	}

	if deviceLabel.Valid {
		record.DeviceLabel = deviceLabel.String
	}
	if browser.Valid {
		record.Browser = browser.String
	}
	if browserVersion.Valid {
		record.BrowserVersion = browserVersion.String
	}
	if osName.Valid {
		record.OS = osName.String
	}
	if osVersion.Valid {
		record.OSVersion = osVersion.String
	}
	if screenResolution.Valid {
		record.ScreenResolution = screenResolution.String
	}
	if timezone.Valid {
		record.Timezone = timezone.String
	}
	if language.Valid {
		record.Language = language.String
	}
	if country.Valid {
		record.Country = country.String
	}
	if city.Valid {
		record.City = city.String
	}
	if sessionToken.Valid {
		record.SessionToken = sessionToken.String
	}
	if verifiedAt.Valid {
		record.VerifiedAt = &verifiedAt.Time
	}
	if lastVerifiedSessionAt.Valid {
		record.LastVerifiedSessionAt = &lastVerifiedSessionAt.Time
	}
	if deletedAt.Valid {
		record.DeletedAt = &deletedAt.Time
	}

	return &record, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// touchedDevice maps a breaker result for a device UPDATE: zero rows
// affected means the record is gone or already deleted.
func touchedDevice(result interface{}, err error) error {
	if err != nil {
		return wrapTransient(err)
	}
	if rows, _ := result.(int64); rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// touchedLease is touchedDevice for the session tables.
func touchedLease(result interface{}, err error) error {
	if err != nil {
		return wrapTransient(err)
	}
	if rows, _ := result.(int64); rows == 0 {
		return session.ErrLeaseNotFound
	}
	return nil
}

// wrapTransient marks storage failures so callers can degrade instead of
// failing the verification outright.
func wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrRepositoryUnavailable, err)
}
