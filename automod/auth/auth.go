// Validation of delegated bearer credentials.
//
// Credentials are JWTs issued by an external authorization service, signed with a key published in a JWKS document. This package never mints tokens. A valid credential yields a Grant: the subject, audience, granted scopes and token id, which is all the rest of the engine sees.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/veritas-labs/veritas/automod/moderr"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ScopePerform = "moderation:perform"
	ScopeAdmin   = "moderation:admin"
	ScopeReview  = "moderation:review"
)

var supportedAlgs = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "PS256"}

type Config struct {
	// When set, the token must list this audience.
	Audience string
	// When set, the token's iss must match.
	Issuer string
	// When set, the token's azp must match.
	AuthorizedParty string
	Leeway          time.Duration
	// Reject a second use of the same jti until the token expires.
	ReplayProtection bool
}

func DefaultConfig() Config {
	return Config{
		Leeway:           60 * time.Second,
		ReplayProtection: true,
	}
}

// What a validated credential grants.
type Grant struct {
	Subject  string
	Audience string
	Scopes   []string
	TokenID  string
	// The scope which this grant was checked against.
	Scope string
}

func (g *Grant) Has(scope string) bool {
	return slices.Contains(g.Scopes, scope)
}

// Grant for in-process callers (eg, the queue consumer) which sit inside the trust boundary and carry no bearer credential.
func ServiceGrant(actor string, scopes ...string) *Grant {
	return &Grant{Subject: actor, Scopes: scopes}
}

// JSON claim which may be a space-separated string or an array of strings.
type scopeClaim []string

func (s *scopeClaim) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = strings.Fields(str)
		return nil
	}
	var arr []string
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("scope claim must be a string or array of strings")
	}
	*s = arr
	return nil
}

type delegatedClaims struct {
	jwt.RegisteredClaims

	Scope           scopeClaim `json:"scope,omitempty"`
	Scp             scopeClaim `json:"scp,omitempty"`
	Scopes          scopeClaim `json:"scopes,omitempty"`
	AuthorizedParty string     `json:"azp,omitempty"`
}

func (c *delegatedClaims) scopes() []string {
	switch {
	case len(c.Scope) > 0:
		return c.Scope
	case len(c.Scp) > 0:
		return c.Scp
	default:
		return c.Scopes
	}
}

type Validator struct {
	Config Config
	Keys   KeySource
	Replay ReplayGuard
	Logger *slog.Logger
	// for tests
	now func() time.Time
}

func NewValidator(cfg Config, keys KeySource, replay ReplayGuard, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		Config: cfg,
		Keys:   keys,
		Replay: replay,
		Logger: logger.With("component", "auth"),
	}
}

// Validates a bearer credential and checks that it grants scope. Returns a *moderr.Error of kind authorization (missing, malformed, expired, replayed or badly signed credential) or forbidden (valid credential lacking the scope).
func (v *Validator) Authorize(ctx context.Context, token, scope string) (*Grant, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, moderr.Authorization("missing bearer credential", nil)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(supportedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.Config.Leeway),
	}
	if v.Config.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Config.Audience))
	}
	if v.Config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Config.Issuer))
	}
	if v.now != nil {
		opts = append(opts, jwt.WithTimeFunc(v.now))
	}

	parsed, err := jwt.ParseWithClaims(token, &delegatedClaims{}, v.keyFunc(ctx), opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, moderr.Authorization("credential expired", err)
		case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, moderr.Authorization("credential not yet valid", err)
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, moderr.Authorization("credential audience mismatch", err)
		default:
			return nil, moderr.Authorization("invalid credential", err)
		}
	}
	claims, ok := parsed.Claims.(*delegatedClaims)
	if !ok {
		return nil, moderr.Authorization("invalid credential", jwt.ErrTokenInvalidClaims)
	}
	if v.Config.AuthorizedParty != "" && claims.AuthorizedParty != v.Config.AuthorizedParty {
		return nil, moderr.Forbidden("credential authorized party mismatch")
	}

	grant := &Grant{
		Subject: claims.Subject,
		Scopes:  claims.scopes(),
		TokenID: claims.ID,
		Scope:   scope,
	}
	if v.Config.Audience != "" {
		grant.Audience = v.Config.Audience
	} else if len(claims.Audience) > 0 {
		grant.Audience = claims.Audience[0]
	}
	if grant.Subject == "" {
		return nil, moderr.Authorization("credential has no subject", nil)
	}
	if scope != "" && !grant.Has(scope) {
		return grant, moderr.Forbidden(fmt.Sprintf("credential lacks scope %s", scope))
	}

	if v.Config.ReplayProtection && v.Replay != nil && claims.ID != "" {
		until := claims.ExpiresAt.Time.Add(v.Config.Leeway)
		fresh, err := v.Replay.Claim(ctx, claims.ID, until)
		if err != nil {
			// fail closed
			v.Logger.Error("replay guard unavailable", "err", err)
			return grant, moderr.Wrap(moderr.KindTimeout, "credential replay check unavailable", err)
		}
		if !fresh {
			return grant, moderr.Authorization("credential replay detected", nil)
		}
	}
	return grant, nil
}

func (v *Validator) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("credential header missing kid")
		}
		return v.Keys.PublicKey(ctx, kid)
	}
}

// Claimed subject of a credential, without any verification. Only for provenance in audit entries of rejected requests.
func UnverifiedSubject(token string) string {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return ""
	}
	insecure := jwt.NewParser(jwt.WithoutClaimsValidation())
	var claims jwt.RegisteredClaims
	if _, _, err := insecure.ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return claims.Subject
}
