// Package sqlite implements a SQLite-based persistence driver using GORM.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/talkmesh/talkmesh-go/internal/store"
)

func init() {
	store.Register("sqlite", NewDriver)
}

// Driver implements store.Driver using SQLite via GORM.
type Driver struct {
	dataDir string
	db      *gorm.DB
}

// NewDriver creates a new SQLite driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Driver, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for sqlite driver")
	}
	return &Driver{dataDir: cfg.DataDir}, nil
}

func (d *Driver) Name() string { return "sqlite" }

// Init opens the database and runs AutoMigrate for all federation tables.
func (d *Driver) Init(ctx context.Context) error {
	dbPath := filepath.Join(d.dataDir, "talkmesh.db")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	d.db = db

	if err := db.AutoMigrate(
		&store.Room{},
		&store.Attendee{},
		&store.Invitation{},
		&store.RetryNotification{},
		&store.ProxyCacheMessage{},
		&store.User{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	return nil
}

func (d *Driver) Close() error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *Driver) Rooms() store.RoomRepo                           { return &roomRepo{db: d.db} }
func (d *Driver) Attendees() store.AttendeeRepo                   { return &attendeeRepo{db: d.db} }
func (d *Driver) Invitations() store.InvitationRepo               { return &invitationRepo{db: d.db} }
func (d *Driver) RetryNotifications() store.RetryNotificationRepo { return &retryRepo{db: d.db} }
func (d *Driver) ProxyMessages() store.ProxyMessageRepo           { return &proxyMessageRepo{db: d.db} }
func (d *Driver) Users() store.UserRepo                           { return &userRepo{db: d.db} }

// translate maps GORM errors to store sentinel errors.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return store.ErrAlreadyExists
	default:
		return err
	}
}

// rooms

type roomRepo struct{ db *gorm.DB }

func (r *roomRepo) Create(ctx context.Context, room *store.Room) error {
	return translate(r.db.WithContext(ctx).Create(room).Error)
}

func (r *roomRepo) GetByID(ctx context.Context, id int64) (*store.Room, error) {
	var room store.Room
	if err := r.db.WithContext(ctx).First(&room, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

func (r *roomRepo) GetByToken(ctx context.Context, token string) (*store.Room, error) {
	var room store.Room
	if err := r.db.WithContext(ctx).First(&room, "token = ?", token).Error; err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

func (r *roomRepo) GetByRemote(ctx context.Context, remoteServer, remoteToken string) (*store.Room, error) {
	var room store.Room
	// Remote tokens compare case-insensitively; hosts have sent
	// casing variants of the same token.
	err := r.db.WithContext(ctx).
		First(&room, "remote_server = ? COLLATE NOCASE AND remote_token = ? COLLATE NOCASE",
			remoteServer, remoteToken).Error
	if err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

func (r *roomRepo) Update(ctx context.Context, room *store.Room) error {
	return translate(r.db.WithContext(ctx).Save(room).Error)
}

func (r *roomRepo) Delete(ctx context.Context, id int64) error {
	return translate(r.db.WithContext(ctx).Delete(&store.Room{}, "id = ?", id).Error)
}

// attendees

type attendeeRepo struct{ db *gorm.DB }

func (r *attendeeRepo) Create(ctx context.Context, attendee *store.Attendee) error {
	return translate(r.db.WithContext(ctx).Create(attendee).Error)
}

func (r *attendeeRepo) GetByID(ctx context.Context, id int64) (*store.Attendee, error) {
	var attendee store.Attendee
	if err := r.db.WithContext(ctx).First(&attendee, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &attendee, nil
}

func (r *attendeeRepo) GetByActor(ctx context.Context, roomID int64, actorType, actorID string) (*store.Attendee, error) {
	var attendee store.Attendee
	err := r.db.WithContext(ctx).
		First(&attendee, "room_id = ? AND actor_type = ? AND actor_id = ?", roomID, actorType, actorID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &attendee, nil
}

func (r *attendeeRepo) ListByAccessToken(ctx context.Context, token string) ([]*store.Attendee, error) {
	var attendees []*store.Attendee
	err := r.db.WithContext(ctx).Find(&attendees, "access_token = ?", token).Error
	if err != nil {
		return nil, translate(err)
	}
	return attendees, nil
}

func (r *attendeeRepo) ListForRoom(ctx context.Context, roomID int64) ([]*store.Attendee, error) {
	var attendees []*store.Attendee
	err := r.db.WithContext(ctx).Find(&attendees, "room_id = ?", roomID).Error
	if err != nil {
		return nil, translate(err)
	}
	return attendees, nil
}

func (r *attendeeRepo) CountForRoom(ctx context.Context, roomID int64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&store.Attendee{}).
		Where("room_id = ?", roomID).Count(&n).Error
	return n, translate(err)
}

func (r *attendeeRepo) Update(ctx context.Context, attendee *store.Attendee) error {
	return translate(r.db.WithContext(ctx).Save(attendee).Error)
}

func (r *attendeeRepo) Delete(ctx context.Context, id int64) error {
	return translate(r.db.WithContext(ctx).Delete(&store.Attendee{}, "id = ?", id).Error)
}

// invitations

type invitationRepo struct{ db *gorm.DB }

func (r *invitationRepo) Create(ctx context.Context, invitation *store.Invitation) error {
	return translate(r.db.WithContext(ctx).Create(invitation).Error)
}

func (r *invitationRepo) GetByID(ctx context.Context, id int64) (*store.Invitation, error) {
	var invitation store.Invitation
	if err := r.db.WithContext(ctx).First(&invitation, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &invitation, nil
}

func (r *invitationRepo) GetForRoomAndUser(ctx context.Context, roomID int64, userID string) (*store.Invitation, error) {
	var invitation store.Invitation
	err := r.db.WithContext(ctx).
		First(&invitation, "room_id = ? AND user_id = ?", roomID, userID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &invitation, nil
}

func (r *invitationRepo) GetByRemoteAttendee(ctx context.Context, remoteServerURL string, remoteAttendeeID int64) (*store.Invitation, error) {
	var invitation store.Invitation
	err := r.db.WithContext(ctx).
		First(&invitation, "remote_server_url = ? COLLATE NOCASE AND remote_attendee_id = ?",
			remoteServerURL, remoteAttendeeID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &invitation, nil
}

func (r *invitationRepo) GetByAccessToken(ctx context.Context, token string) (*store.Invitation, error) {
	var invitation store.Invitation
	if err := r.db.WithContext(ctx).First(&invitation, "access_token = ?", token).Error; err != nil {
		return nil, translate(err)
	}
	return &invitation, nil
}

func (r *invitationRepo) ListForUser(ctx context.Context, userID string) ([]*store.Invitation, error) {
	var invitations []*store.Invitation
	err := r.db.WithContext(ctx).Find(&invitations, "user_id = ?", userID).Error
	if err != nil {
		return nil, translate(err)
	}
	return invitations, nil
}

func (r *invitationRepo) CountForUser(ctx context.Context, userID string, pendingOnly bool) (int64, error) {
	q := r.db.WithContext(ctx).Model(&store.Invitation{}).Where("user_id = ?", userID)
	if pendingOnly {
		q = q.Where("state = ?", store.InvitationPending)
	}
	var n int64
	err := q.Count(&n).Error
	return n, translate(err)
}

func (r *invitationRepo) CountForRoom(ctx context.Context, roomID int64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&store.Invitation{}).
		Where("room_id = ?", roomID).Count(&n).Error
	return n, translate(err)
}

func (r *invitationRepo) Update(ctx context.Context, invitation *store.Invitation) error {
	return translate(r.db.WithContext(ctx).Save(invitation).Error)
}

func (r *invitationRepo) Delete(ctx context.Context, id int64) error {
	return translate(r.db.WithContext(ctx).Delete(&store.Invitation{}, "id = ?", id).Error)
}

// retry notifications

type retryRepo struct{ db *gorm.DB }

func (r *retryRepo) Create(ctx context.Context, retry *store.RetryNotification) error {
	return translate(r.db.WithContext(ctx).Create(retry).Error)
}

func (r *retryRepo) ListDue(ctx context.Context, due time.Time) ([]*store.RetryNotification, error) {
	var retries []*store.RetryNotification
	err := r.db.WithContext(ctx).Find(&retries, "next_retry <= ?", due).Error
	if err != nil {
		return nil, translate(err)
	}
	return retries, nil
}

func (r *retryRepo) Update(ctx context.Context, retry *store.RetryNotification) error {
	return translate(r.db.WithContext(ctx).Save(retry).Error)
}

func (r *retryRepo) Delete(ctx context.Context, id int64) error {
	return translate(r.db.WithContext(ctx).Delete(&store.RetryNotification{}, "id = ?", id).Error)
}

// proxy messages

type proxyMessageRepo struct{ db *gorm.DB }

func (r *proxyMessageRepo) Create(ctx context.Context, msg *store.ProxyCacheMessage) error {
	return translate(r.db.WithContext(ctx).Create(msg).Error)
}

func (r *proxyMessageRepo) GetByID(ctx context.Context, id int64) (*store.ProxyCacheMessage, error) {
	var msg store.ProxyCacheMessage
	if err := r.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

func (r *proxyMessageRepo) GetByRemote(ctx context.Context, remoteServerURL, remoteToken string, remoteMessageID int64) (*store.ProxyCacheMessage, error) {
	var msg store.ProxyCacheMessage
	err := r.db.WithContext(ctx).
		First(&msg, "remote_server_url = ? AND remote_token = ? AND remote_message_id = ?",
			remoteServerURL, remoteToken, remoteMessageID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

func (r *proxyMessageRepo) Update(ctx context.Context, msg *store.ProxyCacheMessage) error {
	return translate(r.db.WithContext(ctx).Save(msg).Error)
}

func (r *proxyMessageRepo) Delete(ctx context.Context, id int64) error {
	return translate(r.db.WithContext(ctx).Delete(&store.ProxyCacheMessage{}, "id = ?", id).Error)
}

// users

type userRepo struct{ db *gorm.DB }

func (r *userRepo) Create(ctx context.Context, user *store.User) error {
	return translate(r.db.WithContext(ctx).Create(user).Error)
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*store.User, error) {
	var user store.User
	if err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (r *userRepo) GetByUsername(ctx context.Context, username string) (*store.User, error) {
	var user store.User
	if err := r.db.WithContext(ctx).First(&user, "username = ?", username).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (r *userRepo) Update(ctx context.Context, user *store.User) error {
	return translate(r.db.WithContext(ctx).Save(user).Error)
}
