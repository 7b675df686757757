// Package trust derives a scoped security context from a lease's opaque
// trust_id, the credential used for privileged downstream calls (§9 "model
// as a scoped resource... acquired before each handler body"). Resolution
// is pluggable: production verifies trust_id as an OIDC token via discovery
// against an issuer; tests and local runs use a Static resolver.
package trust

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/nimbusresv/leasekeeper/internal/apperror"
)

// Scope is the derived, delegated security context for a trust id: who it
// belongs to and which project it authorizes privileged calls against.
type Scope struct {
	ProjectID string
	UserID    string
}

// Resolver derives a Scope from an opaque trust id.
type Resolver interface {
	Resolve(ctx context.Context, trustID string) (Scope, error)
}

// OIDCResolver verifies trust_id as an OIDC bearer token and extracts the
// project/user claims, using go-oidc's discovery + ID-token verifier.
type OIDCResolver struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCResolver performs OIDC discovery against issuerURL. This makes a
// network call to fetch the provider's public keys.
func NewOIDCResolver(ctx context.Context, issuerURL, clientID string) (*OIDCResolver, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider %s: %w", issuerURL, err)
	}
	return &OIDCResolver{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

type trustClaims struct {
	Subject   string `json:"sub"`
	ProjectID string `json:"project_id"`
}

func (r *OIDCResolver) Resolve(ctx context.Context, trustID string) (Scope, error) {
	token := strings.TrimPrefix(trustID, "Bearer ")
	token = strings.TrimSpace(token)
	if token == "" {
		return Scope{}, apperror.New(apperror.KindMissingTrustId, "trust_id is required")
	}

	idToken, err := r.verifier.Verify(ctx, token)
	if err != nil {
		return Scope{}, apperror.Wrap(apperror.KindNotAuthorized, "trust_id verification failed", err)
	}

	var claims trustClaims
	if err := idToken.Claims(&claims); err != nil {
		return Scope{}, apperror.Wrap(apperror.KindNotAuthorized, "extracting trust_id claims", err)
	}
	if claims.Subject == "" {
		return Scope{}, apperror.New(apperror.KindNotAuthorized, "trust_id token missing sub claim")
	}
	if claims.ProjectID == "" {
		return Scope{}, apperror.New(apperror.KindProjectIdNotFound, "trust_id token missing project_id claim")
	}
	return Scope{ProjectID: claims.ProjectID, UserID: claims.Subject}, nil
}

// Static resolves every trust id to a fixed Scope. Used in local runs and
// tests where OIDC discovery is unavailable or undesired.
type Static struct {
	Scope Scope
}

// NewStatic creates a Static resolver.
func NewStatic(scope Scope) *Static {
	return &Static{Scope: scope}
}

func (s *Static) Resolve(ctx context.Context, trustID string) (Scope, error) {
	if trustID == "" {
		return Scope{}, apperror.New(apperror.KindMissingTrustId, "trust_id is required")
	}
	return s.Scope, nil
}
