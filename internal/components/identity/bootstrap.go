package identity

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/talkmesh/talkmesh-go/internal/platform/config"
	"github.com/talkmesh/talkmesh-go/internal/platform/logutil"
	"github.com/talkmesh/talkmesh-go/internal/store"
)

// Bootstrap seeds local users from configuration idempotently.
type Bootstrap struct {
	repo store.UserRepo
	auth *UserAuth
	log  *slog.Logger
}

func NewBootstrap(repo store.UserRepo, auth *UserAuth, log *slog.Logger) *Bootstrap {
	return &Bootstrap{
		repo: repo,
		auth: auth,
		log:  logutil.NoopIfNil(log),
	}
}

// Run ensures every configured user exists; returns the count created.
// Existing users keep their stored password hash, but the federation flag
// follows the configuration on every start.
func (b *Bootstrap) Run(ctx context.Context, users []config.BootstrapUser) (int, error) {
	var created int
	for _, u := range users {
		n, err := b.ensureUser(ctx, u)
		if err != nil {
			return created, err
		}
		created += n
	}
	return created, nil
}

func (b *Bootstrap) ensureUser(ctx context.Context, seed config.BootstrapUser) (int, error) {
	existing, err := b.repo.GetByUsername(ctx, seed.Username)
	if err == nil {
		if existing.FederationEnabled != seed.FederationEnabled {
			existing.FederationEnabled = seed.FederationEnabled
			if err := b.repo.Update(ctx, existing); err != nil {
				return 0, err
			}
			b.log.Info("user federation flag updated",
				slog.String("username", seed.Username),
				slog.Bool("federation_enabled", seed.FederationEnabled))
		}
		return 0, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	hash, err := b.auth.HashPassword(seed.Password)
	if err != nil {
		return 0, err
	}

	displayName := seed.DisplayName
	if displayName == "" {
		displayName = seed.Username
	}

	user := &store.User{
		ID:                uuid.NewString(),
		Username:          seed.Username,
		DisplayName:       displayName,
		PasswordHash:      hash,
		FederationEnabled: seed.FederationEnabled,
	}
	if err := b.repo.Create(ctx, user); err != nil {
		return 0, err
	}

	b.log.Info("user created", slog.String("username", seed.Username))
	return 1, nil
}
