package collab

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"chronicle/sync/internal/auth"
	"chronicle/sync/internal/rbac"
)

// ErrInvalidCredential is returned by an IdentityService when the token is
// well-formed enough to check but does not verify.
var ErrInvalidCredential = errors.New("invalid credential")

// IdentityService resolves a bearer credential to a principal and that
// principal's access to one document.
type IdentityService interface {
	Resolve(ctx context.Context, token, documentID string) (Principal, rbac.Access, error)
}

// Admission is the verified outcome of Authorize. It becomes the immutable
// identity of the connection.
type Admission struct {
	Principal  Principal
	DocumentID string
	Token      string
	Access     rbac.Access
}

type Authorizer struct {
	identity IdentityService
	timeout  time.Duration
	logger   *slog.Logger
}

func NewAuthorizer(identity IdentityService, timeout time.Duration, logger *slog.Logger) *Authorizer {
	return &Authorizer{identity: identity, timeout: timeout, logger: logger.With("component", "authorizer")}
}

// Authorize validates the query of an upgrade request. It fails closed: an
// unreachable identity service rejects the connection like a bad token.
func (a *Authorizer) Authorize(ctx context.Context, query url.Values) (Admission, error) {
	token := strings.TrimSpace(query.Get("token"))
	documentID := strings.TrimSpace(query.Get("document_id"))
	if token == "" {
		return Admission{}, a.reject(errMissingToken, documentID, nil)
	}
	if documentID == "" {
		return Admission{}, a.reject(errMissingDocument, "", nil)
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	principal, access, err := a.identity.Resolve(ctx, token, documentID)
	if err != nil {
		return Admission{}, a.reject(errUnauthorized, documentID, err)
	}
	if !access.Admits() {
		return Admission{}, a.reject(errForbidden, documentID, nil)
	}
	return Admission{Principal: principal, DocumentID: documentID, Token: token, Access: access}, nil
}

func (a *Authorizer) reject(domainErr *DomainError, documentID string, cause error) error {
	attrs := []any{"code", domainErr.Code, "document_id", documentID}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	a.logger.Warn("connection rejected", attrs...)
	admissionsTotal.WithLabelValues(strings.ToLower(domainErr.Code)).Inc()
	return domainErr
}

// TokenIdentity resolves principals locally from a signed token. The role
// claim is the principal's workspace role and applies to every document.
type TokenIdentity struct {
	verifier auth.Verifier
}

func NewTokenIdentity(verifier auth.Verifier) *TokenIdentity {
	return &TokenIdentity{verifier: verifier}
}

func (t *TokenIdentity) Resolve(_ context.Context, token, _ string) (Principal, rbac.Access, error) {
	claims, err := t.verifier.Verify(token)
	if err != nil {
		return Principal{}, rbac.Access{}, errors.Join(ErrInvalidCredential, err)
	}
	role, ok := rbac.Parse(claims.Role)
	if !ok {
		return Principal{UserID: claims.Sub, DisplayName: claims.Name}, rbac.Access{}, nil
	}
	return Principal{UserID: claims.Sub, DisplayName: claims.Name, Role: string(role)}, rbac.AccessFor(role), nil
}
