package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/CoreVine/Tride-backend-sub000/internal/models"
)

// deviceTokenWindow caps how many push tokens we keep per user; the oldest
// entry is evicted when the window overflows.
const deviceTokenWindow = 25

// Postgres is the relational collaborator. Everything here is read-only
// from the core's perspective except the ride-instance status transition
// and the notification insert.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// FindAccountWithRoleDetails loads the account plus its role-specific
// profile in one round trip. Returns models.ErrNotFound when no account
// row exists.
func (p *Postgres) FindAccountWithRoleDetails(ctx context.Context, userID string) (*models.AccountDetails, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT a.id, a.account_type, a.is_verified,
		       COALESCE(d.id, ''), COALESCE(d.is_approved, false),
		       COALESCE(pr.id, ''), COALESCE(pr.is_approved, false),
		       COALESCE(ad.role_name, ''), COALESCE(ad.permissions, '{}')
		FROM accounts a
		LEFT JOIN drivers d ON d.account_id = a.id
		LEFT JOIN parents pr ON pr.account_id = a.id
		LEFT JOIN admins ad ON ad.account_id = a.id
		WHERE a.id = $1`, userID)

	var det models.AccountDetails
	var perms pq.StringArray
	err := row.Scan(&det.UserID, &det.AccountType, &det.Verified,
		&det.DriverID, &det.DriverApproved,
		&det.ParentID, &det.ParentApproved,
		&det.AdminRole, &perms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	det.Permissions = perms
	return &det, nil
}

func (p *Postgres) FindActiveRideInstanceByDriverID(ctx context.Context, driverID string) (*models.RideInstance, error) {
	return p.findActiveInstance(ctx, `
		SELECT id, driver_id, ride_group_id, status FROM ride_instances
		WHERE driver_id = $1 AND status IN ('started','active')`, driverID)
}

func (p *Postgres) FindActiveRideInstanceByParentID(ctx context.Context, parentID string) (*models.RideInstance, error) {
	return p.findActiveInstance(ctx, `
		SELECT ri.id, ri.driver_id, ri.ride_group_id, ri.status
		FROM ride_instances ri
		JOIN ride_group_members m ON m.ride_group_id = ri.ride_group_id
		WHERE m.parent_id = $1 AND ri.status IN ('started','active')`, parentID)
}

func (p *Postgres) findActiveInstance(ctx context.Context, query, arg string) (*models.RideInstance, error) {
	var ri models.RideInstance
	err := p.db.QueryRowContext(ctx, query, arg).Scan(&ri.ID, &ri.DriverID, &ri.GroupID, &ri.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	return &ri, nil
}

// TransitionRideInstanceStatus performs the single conditional write the
// core owns. Returns false when the instance was not in `from` (reconnects
// see this as an idempotent no-op).
func (p *Postgres) TransitionRideInstanceStatus(ctx context.Context, instanceID, from, to string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE ride_instances SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`, to, instanceID, from)
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// EndRideInstance marks any non-terminal instance ended (driver cancel).
func (p *Postgres) EndRideInstance(ctx context.Context, instanceID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE ride_instances SET status = 'ended', updated_at = NOW()
		WHERE id = $1 AND status IN ('started','active')`, instanceID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) RecordCheckpoint(ctx context.Context, instanceID string, payload []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ride_checkpoints (ride_instance_id, payload, created_at)
		VALUES ($1, $2, NOW())`, instanceID, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	return nil
}

// FindIfAccountInsideGroup answers the membership oracle query. The result
// is never cached; membership can change between connections.
func (p *Postgres) FindIfAccountInsideGroup(ctx context.Context, groupID, userID string, accountType models.AccountType) (bool, error) {
	var query string
	switch accountType {
	case models.AccountDriver:
		query = `SELECT EXISTS(
			SELECT 1 FROM ride_groups g
			JOIN drivers d ON d.id = g.driver_id
			WHERE g.id = $1 AND d.account_id = $2)`
	case models.AccountParent:
		query = `SELECT EXISTS(
			SELECT 1 FROM ride_group_members m
			JOIN parents pr ON pr.id = m.parent_id
			WHERE m.ride_group_id = $1 AND pr.account_id = $2)`
	default:
		return false, nil
	}
	var ok bool
	if err := p.db.QueryRowContext(ctx, query, groupID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	return ok, nil
}

func (p *Postgres) FindRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	err := p.db.QueryRowContext(ctx, `
		SELECT id, category, COALESCE(ride_group_id, '') FROM chat_rooms WHERE id = $1`,
		roomID).Scan(&room.ID, &room.Category, &room.RideGroupID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT account_id, account_type FROM chat_room_participants WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var part models.Participant
		if err := rows.Scan(&part.UserID, &part.AccountType); err != nil {
			return nil, err
		}
		room.Participants = append(room.Participants, part)
	}
	return &room, rows.Err()
}

// SaveNotification creates the durable record. A failure here is a hard
// error for the triggering business action: the notification may be lost
// entirely.
func (p *Postgres) SaveNotification(ctx context.Context, n *models.Notification) error {
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO notifications (recipient_id, type, title, body, metadata, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6)
		RETURNING id`,
		n.RecipientID, n.Type, n.Title, n.Body, meta, n.CreatedAt).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	return nil
}

// DeviceTokens returns the bounded token window, oldest first.
func (p *Postgres) DeviceTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT token FROM device_tokens
		WHERE account_id = $1 ORDER BY created_at ASC LIMIT $2`, userID, deviceTokenWindow)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	defer rows.Close()
	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// AddDeviceToken upserts a token and evicts the oldest entries beyond the
// window.
func (p *Postgres) AddDeviceToken(ctx context.Context, userID, token string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO device_tokens (account_id, token, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id, token) DO UPDATE SET created_at = NOW()`, userID, token)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	_, err = p.db.ExecContext(ctx, `
		DELETE FROM device_tokens
		WHERE account_id = $1 AND token NOT IN (
			SELECT token FROM device_tokens
			WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2)`,
		userID, deviceTokenWindow)
	return err
}

func (p *Postgres) RemoveDeviceToken(ctx context.Context, userID, token string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM device_tokens WHERE account_id = $1 AND token = $2`, userID, token)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	return nil
}
