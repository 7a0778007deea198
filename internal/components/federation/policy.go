package federation

import (
	"context"
	"log/slog"

	"github.com/talkmesh/talkmesh-go/internal/components/cloudid"
	"github.com/talkmesh/talkmesh-go/internal/platform/config"
	"github.com/talkmesh/talkmesh-go/internal/platform/hostport"
	"github.com/talkmesh/talkmesh-go/internal/platform/logutil"
	"github.com/talkmesh/talkmesh-go/internal/store"
)

// RestrictionValidator decides whether a local user may invite a remote
// identity. Checks run in a fixed order and short-circuit on the first
// violation.
type RestrictionValidator struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewRestrictionValidator creates a validator bound to the server
// configuration.
func NewRestrictionValidator(cfg *config.Config, logger *slog.Logger) *RestrictionValidator {
	return &RestrictionValidator{cfg: cfg, logger: logutil.NoopIfNil(logger)}
}

// IsAllowedToInvite reports whether user may invite target. It returns the
// parsed cloud id on success and a PolicyViolation naming the first failed
// rule otherwise.
func (v *RestrictionValidator) IsAllowedToInvite(ctx context.Context, user *store.User, target string) (cloudid.CloudID, error) {
	id, err := cloudid.Parse(target)
	if err != nil {
		return cloudid.CloudID{}, &PolicyViolation{Reason: ReasonCloudID}
	}

	if !v.cfg.Federation.Enabled || !v.cfg.Federation.OutgoingEnabled {
		return cloudid.CloudID{}, &PolicyViolation{Reason: ReasonOutgoing}
	}

	if user == nil || user.Disabled || !user.FederationEnabled {
		return cloudid.CloudID{}, &PolicyViolation{Reason: ReasonFederation}
	}

	if v.cfg.Federation.OnlyTrustedServers && !v.isTrustedServer(ctx, id.Host) {
		return cloudid.CloudID{}, &PolicyViolation{Reason: ReasonTrustedServers}
	}

	return id, nil
}

// isTrustedServer matches host against the trust allowlist using normalized
// authority comparison.
func (v *RestrictionValidator) isTrustedServer(ctx context.Context, host string) bool {
	scheme := v.cfg.PublicScheme()

	normalized, err := hostport.Normalize(host, scheme)
	if err != nil {
		v.logger.WarnContext(ctx, "unparseable federation host",
			slog.String("host", host), slog.Any("error", err))
		return false
	}

	for _, trusted := range v.cfg.Federation.TrustedServers {
		candidate, err := hostport.Normalize(trusted, scheme)
		if err != nil {
			v.logger.WarnContext(ctx, "unparseable trusted server entry",
				slog.String("entry", trusted), slog.Any("error", err))
			continue
		}
		if candidate == normalized {
			return true
		}
	}
	return false
}
