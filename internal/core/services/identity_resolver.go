package services

import (
	"fmt"
	"net/http"
	"strings"

	"guffrelay/internal/core/domain"
	"guffrelay/internal/core/ports"
	"guffrelay/pkg/utils"
	"guffrelay/pkg/validation"

	"go.uber.org/zap"
)

type identityResolver struct {
	auth          AuthService
	identityParam string
	tokenParam    string
	logger        *zap.SugaredLogger
}

// NewIdentityResolver resolves identities from an authenticated session first
// and the identity query parameter second.
func NewIdentityResolver(auth AuthService, identityParam, tokenParam string, logger *zap.SugaredLogger) ports.IdentityResolver {
	return &identityResolver{
		auth:          auth,
		identityParam: identityParam,
		tokenParam:    tokenParam,
		logger:        logger,
	}
}

func (r *identityResolver) Resolve(req *http.Request) (domain.Identity, error) {
	if username, ok := r.sessionUsername(req); ok {
		identity, err := validation.ValidateIdentity(username)
		if err == nil {
			return domain.Identity(identity), nil
		}
		r.logger.Debugw("Session username rejected, trying query parameter", "error", err)
	}

	raw := req.URL.Query().Get(r.identityParam)
	if raw == "" {
		return "", domain.ErrIdentityRequired
	}
	identity, err := validation.ValidateIdentity(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidIdentity, err)
	}
	return domain.Identity(identity), nil
}

// sessionUsername returns the username of an authenticated session. A missing,
// invalid or expired token yields an anonymous request.
func (r *identityResolver) sessionUsername(req *http.Request) (string, bool) {
	if claims := ClaimsFromContext(req.Context()); claims != nil {
		return claims.Username, true
	}
	if r.auth == nil || !r.auth.Enabled() {
		return "", false
	}

	token := bearerToken(req.Header.Get("Authorization"))
	if token == "" && r.tokenParam != "" {
		token = req.URL.Query().Get(r.tokenParam)
	}
	if token == "" {
		return "", false
	}

	claims, err := r.auth.ValidateToken(token)
	if err != nil {
		r.logger.Debugw("Ignoring session token",
			"token", utils.MaskSensitive(token, 4),
			"error", err,
		)
		return "", false
	}
	return claims.Username, true
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
