package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/courseloop/courseloop/internal/lti/keyset"
	"github.com/courseloop/courseloop/internal/lti/launchstate"
	"github.com/courseloop/courseloop/internal/lti/trust"
)

const defaultLeeway = 60 * time.Second

// IdentityResolver maps a platform-scoped OIDC subject to a local user
// id. SubjectIdentity is the passthrough default.
type IdentityResolver interface {
	Resolve(ctx context.Context, issuer, subject string) (string, error)
}

// SubjectIdentity uses the raw sub claim as the local user id.
type SubjectIdentity struct{}

func (SubjectIdentity) Resolve(_ context.Context, _, subject string) (string, error) {
	return subject, nil
}

// LoginRequest is a decoded third-party login initiation from a
// platform.
type LoginRequest struct {
	Issuer        string
	ClientID      string
	LoginHint     string
	MessageHint   string
	TargetLinkURI string
	DeploymentID  string
}

// LoginRedirect describes the authorization request the browser must be
// sent to. URL renders it against the platform's authorization
// endpoint.
type LoginRedirect struct {
	AuthorizationEndpoint string
	ClientID              string
	RedirectURI           string
	LoginHint             string
	MessageHint           string
	TargetLinkURI         string
	State                 string
	Nonce                 string

	LaunchID string
}

// URL builds the full authorization request URL. response_type,
// response_mode, scope and prompt are fixed by the LTI 1.3 profile.
func (r LoginRedirect) URL() string {
	q := url.Values{}
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("scope", "openid")
	q.Set("prompt", "none")
	q.Set("client_id", r.ClientID)
	q.Set("redirect_uri", r.RedirectURI)
	q.Set("login_hint", r.LoginHint)
	q.Set("state", r.State)
	q.Set("nonce", r.Nonce)
	if r.MessageHint != "" {
		q.Set("lti_message_hint", r.MessageHint)
	}
	if r.TargetLinkURI != "" {
		q.Set("target_link_uri", r.TargetLinkURI)
	}
	sep := "?"
	if u, err := url.Parse(r.AuthorizationEndpoint); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return r.AuthorizationEndpoint + sep + q.Encode()
}

// Engine drives the LTI 1.3 launch handshake: it turns login
// initiations into authorization redirects and id_token callbacks into
// completed launches.
type Engine struct {
	Trust    trust.Registry
	Keys     *keyset.Store
	Launches launchstate.Store

	// RedirectURI is the tool-side callback registered at every
	// platform. When empty, the first registered redirect of the
	// matched tool is used.
	RedirectURI string

	// LaunchTTL bounds how long a pending launch may wait for its
	// callback. Zero means 10 minutes.
	LaunchTTL time.Duration

	// Leeway is the clock skew tolerated on exp and iat. Zero means
	// 60 seconds.
	Leeway time.Duration

	Identity IdentityResolver
	Auditor  trust.Auditor
	Log      *logrus.Logger
	NowFunc  func() time.Time
}

func (e *Engine) now() time.Time {
	if e.NowFunc != nil {
		return e.NowFunc()
	}
	return time.Now()
}

func (e *Engine) leeway() time.Duration {
	if e.Leeway > 0 {
		return e.Leeway
	}
	return defaultLeeway
}

func (e *Engine) ttl() time.Duration {
	if e.LaunchTTL > 0 {
		return e.LaunchTTL
	}
	return 10 * time.Minute
}

func (e *Engine) log() *logrus.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

func (e *Engine) audit(ctx context.Context, action, subject string, details map[string]any) {
	if e.Auditor != nil {
		e.Auditor.Emit(ctx, action, subject, details)
	}
}

// InitiateLogin validates the initiation against the trust registry,
// creates a pending launch and returns the authorization redirect. The
// launch is left in OIDC_INITIATED, awaiting the id_token callback.
func (e *Engine) InitiateLogin(ctx context.Context, req LoginRequest) (LoginRedirect, error) {
	if req.Issuer == "" || req.ClientID == "" {
		return LoginRedirect{}, fmt.Errorf("%w: issuer and client_id are required", trust.ErrInvalidInput)
	}
	if req.LoginHint == "" {
		return LoginRedirect{}, fmt.Errorf("%w: login_hint is required", trust.ErrInvalidInput)
	}
	platform, err := e.Trust.LookupPlatform(ctx, req.Issuer, req.ClientID)
	if err != nil {
		return LoginRedirect{}, err
	}
	tool, err := e.Trust.LookupTool(ctx, req.ClientID)
	if err != nil {
		return LoginRedirect{}, err
	}
	if tool.Status == trust.ToolSuspended {
		return LoginRedirect{}, fmt.Errorf("%w: client_id %s", ErrToolSuspended, tool.ClientID)
	}
	if req.DeploymentID != "" && !platform.HasDeployment(req.DeploymentID) {
		return LoginRedirect{}, fmt.Errorf("%w: deployment %s not registered for issuer %s",
			trust.ErrUnknownPlatform, req.DeploymentID, platform.Issuer)
	}
	redirectURI := e.RedirectURI
	if redirectURI == "" && len(tool.RedirectURIs) > 0 {
		redirectURI = tool.RedirectURIs[0]
	}
	if redirectURI == "" {
		return LoginRedirect{}, fmt.Errorf("%w: no redirect_uri registered for client_id %s",
			trust.ErrInvalidInput, tool.ClientID)
	}
	if !tool.RedirectAllowed(redirectURI) {
		return LoginRedirect{}, fmt.Errorf("%w: redirect_uri %s not registered for client_id %s",
			trust.ErrInvalidInput, redirectURI, tool.ClientID)
	}

	l, err := e.Launches.Create(ctx, platform.ID, tool.ID, e.ttl())
	if err != nil {
		return LoginRedirect{}, fmt.Errorf("create launch: %w", err)
	}
	l, err = e.Launches.Transition(ctx, l.ID, launchstate.StatusInitiated, launchstate.StatusOIDCInitiated, nil)
	if err != nil {
		return LoginRedirect{}, fmt.Errorf("arm launch %s: %w", l.ID, err)
	}

	e.log().WithFields(logrus.Fields{
		"launch_id": l.ID,
		"issuer":    platform.Issuer,
		"client_id": tool.ClientID,
	}).Info("lti login initiated")
	e.audit(ctx, "lti.login_initiated", l.ID, map[string]any{
		"issuer": platform.Issuer, "client_id": tool.ClientID,
	})

	return LoginRedirect{
		AuthorizationEndpoint: platform.AuthEndpoint,
		ClientID:              tool.ClientID,
		RedirectURI:           redirectURI,
		LoginHint:             req.LoginHint,
		MessageHint:           req.MessageHint,
		TargetLinkURI:         req.TargetLinkURI,
		State:                 l.State,
		Nonce:                 l.Nonce,
		LaunchID:              l.ID,
	}, nil
}

// CompleteLaunch verifies the id_token posted back by the platform and,
// on success, atomically consumes the launch nonce and moves the record
// to COMPLETED. Protocol failures move the launch to FAILED; a JWKS
// fetch failure leaves it pending so the callback can be retried.
func (e *Engine) CompleteLaunch(ctx context.Context, state, rawIDToken string) (*LaunchContext, error) {
	if state == "" || rawIDToken == "" {
		return nil, fmt.Errorf("%w: state and id_token are required", ErrClaimValidation)
	}
	l, err := e.Launches.FindByState(ctx, state)
	if err != nil {
		if errors.Is(err, launchstate.ErrNotFound) {
			return nil, ErrLaunchNotFound
		}
		return nil, fmt.Errorf("find launch: %w", err)
	}

	now := e.now()
	if l.Expired(now) {
		if !l.Status.Terminal() {
			// The sweeper may have won this race already.
			_, terr := e.Launches.Transition(ctx, l.ID, l.Status, launchstate.StatusExpired, nil)
			if terr != nil && !errors.Is(terr, launchstate.ErrInvalidTransition) {
				e.log().WithError(terr).WithField("launch_id", l.ID).Warn("expire on late callback")
			}
		}
		return nil, fmt.Errorf("%w: launch %s", ErrLaunchExpired, l.ID)
	}
	if l.Status != launchstate.StatusOIDCInitiated {
		// A settled launch whose nonce was consumed means the callback is
		// being replayed, which is an attack signal rather than a state
		// bug.
		if used, nerr := e.Launches.NonceConsumed(ctx, l.Nonce); nerr == nil && used {
			e.securityEvent(ctx, l, "lti.nonce_replay", "callback replayed for settled launch")
			return nil, fmt.Errorf("%w: launch %s", ErrNonceReplay, l.ID)
		}
		return nil, fmt.Errorf("%w: launch %s is %s", ErrInvalidLaunchState, l.ID, l.Status)
	}

	platform, err := e.Trust.PlatformByID(ctx, l.PlatformID)
	if err != nil {
		return nil, fmt.Errorf("platform for launch %s: %w", l.ID, err)
	}
	tool, err := e.Trust.ToolByID(ctx, l.ToolID)
	if err != nil {
		return nil, fmt.Errorf("tool for launch %s: %w", l.ID, err)
	}

	claims, err := e.verifyIDToken(ctx, rawIDToken, platform, tool, l)
	if err != nil {
		if errors.Is(err, keyset.ErrJWKSFetch) {
			e.log().WithError(err).WithField("launch_id", l.ID).Warn("jwks unavailable, launch left pending")
			return nil, err
		}
		e.failLaunch(ctx, l, err)
		return nil, err
	}

	subject, _ := claims.GetSubject()
	userID := subject
	if e.Identity != nil {
		userID, err = e.Identity.Resolve(ctx, platform.Issuer, subject)
		if err != nil {
			return nil, fmt.Errorf("resolve identity for launch %s: %w", l.ID, err)
		}
	}

	l, err = e.Launches.Transition(ctx, l.ID, launchstate.StatusOIDCInitiated, launchstate.StatusCompleted,
		func(x *launchstate.Launch) error {
			x.UserID = userID
			return nil
		})
	if err != nil {
		if errors.Is(err, launchstate.ErrNonceConsumed) {
			e.securityEvent(ctx, l, "lti.nonce_replay", "nonce already consumed")
			return nil, fmt.Errorf("%w: launch %s", ErrNonceReplay, l.ID)
		}
		// A concurrent completion or the sweeper moved the record
		// first.
		return nil, fmt.Errorf("complete launch %s: %w", l.ID, err)
	}

	e.log().WithFields(logrus.Fields{
		"launch_id": l.ID,
		"issuer":    platform.Issuer,
		"client_id": tool.ClientID,
		"user_id":   userID,
	}).Info("lti launch completed")
	e.audit(ctx, "lti.launch_completed", l.ID, map[string]any{
		"issuer": platform.Issuer, "user_id": userID,
	})

	return projectLaunch(l, platform, tool, claims), nil
}

// verifyIDToken runs the full id_token acceptance chain. The returned
// error wraps one of the package sentinels, or keyset.ErrJWKSFetch
// when the signing key could not be fetched at all.
func (e *Engine) verifyIDToken(ctx context.Context, raw string, platform trust.Platform, tool trust.Tool, l launchstate.Launch) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithLeeway(e.leeway()),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(platform.Issuer),
		jwt.WithAudience(tool.ClientID),
	)

	var keyErr error
	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("id_token header has no kid")
		}
		key, kerr := e.Keys.SigningKey(ctx, platform, kid)
		if kerr != nil {
			keyErr = kerr
			return nil, kerr
		}
		return key, nil
	})
	if err != nil {
		switch {
		case keyErr != nil && errors.Is(keyErr, keyset.ErrJWKSFetch):
			return nil, keyErr
		case keyErr != nil && errors.Is(keyErr, keyset.ErrUnknownSigningKey):
			return nil, fmt.Errorf("%w: %v", ErrSignatureVerification, keyErr)
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, fmt.Errorf("%w: token issuer does not match %s", ErrIssuerMismatch, platform.Issuer)
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, fmt.Errorf("%w: token audience does not include %s", ErrAudienceMismatch, tool.ClientID)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("%w: %v", ErrSignatureVerification, err)
		case errors.Is(err, jwt.ErrTokenExpired),
			errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
			errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, fmt.Errorf("%w: token time window: %v", ErrClaimValidation, err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: malformed id_token: %v", ErrClaimValidation, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrSignatureVerification, err)
		}
	}

	// With multiple audiences the azp claim must name this client.
	aud, _ := claims.GetAudience()
	if len(aud) > 1 {
		if azp := claimString(claims, "azp"); azp != tool.ClientID {
			return nil, fmt.Errorf("%w: azp %q does not match client_id %s", ErrAudienceMismatch, azp, tool.ClientID)
		}
	}

	nonce := claimString(claims, "nonce")
	if nonce == "" {
		return nil, fmt.Errorf("%w: missing nonce claim", ErrClaimValidation)
	}
	if nonce != l.Nonce {
		return nil, fmt.Errorf("%w: nonce does not match launch", ErrClaimValidation)
	}
	// Early replay check. The authoritative one is the atomic consume
	// inside the COMPLETED transition.
	used, err := e.Launches.NonceConsumed(ctx, nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce lookup: %w", err)
	}
	if used {
		return nil, fmt.Errorf("%w: nonce already consumed", ErrNonceReplay)
	}

	if err := validateLTIClaims(claims); err != nil {
		return nil, err
	}
	if dep := claimString(claims, claimDeploymentID); !platform.HasDeployment(dep) {
		return nil, fmt.Errorf("%w: deployment_id %q not registered for issuer %s",
			ErrClaimValidation, dep, platform.Issuer)
	}
	return claims, nil
}

// failLaunch records a terminal protocol failure. Losing the transition
// race is fine, some other path already settled the record.
func (e *Engine) failLaunch(ctx context.Context, l launchstate.Launch, cause error) {
	reason := cause.Error()
	_, err := e.Launches.Transition(ctx, l.ID, launchstate.StatusOIDCInitiated, launchstate.StatusFailed,
		func(x *launchstate.Launch) error {
			x.FailureReason = reason
			return nil
		})
	if err != nil && !errors.Is(err, launchstate.ErrInvalidTransition) {
		e.log().WithError(err).WithField("launch_id", l.ID).Error("record launch failure")
	}
	e.securityEvent(ctx, l, "lti.launch_failed", reason)
}

func (e *Engine) securityEvent(ctx context.Context, l launchstate.Launch, event, reason string) {
	e.log().WithFields(logrus.Fields{
		"event":     event,
		"launch_id": l.ID,
		"reason":    reason,
	}).Warn("lti security event")
	e.audit(ctx, event, l.ID, map[string]any{"reason": reason})
}

func projectLaunch(l launchstate.Launch, platform trust.Platform, tool trust.Tool, claims jwt.MapClaims) *LaunchContext {
	subject, _ := claims.GetSubject()
	ctxObj := claimObject(claims, claimContext)
	rlObj := claimObject(claims, claimResourceLink)
	return &LaunchContext{
		LaunchID:     l.ID,
		PlatformID:   platform.ID,
		ToolID:       tool.ID,
		Issuer:       platform.Issuer,
		ClientID:     tool.ClientID,
		Subject:      subject,
		UserID:       l.UserID,
		DeploymentID: claimString(claims, claimDeploymentID),
		MessageType:  claimString(claims, claimMessageType),
		TargetLink:   claimString(claims, claimTargetLink),
		Roles:        claimStrings(claims, claimRoles),
		Context: CourseContext{
			ID:    objString(ctxObj, "id"),
			Label: objString(ctxObj, "label"),
			Title: objString(ctxObj, "title"),
			Types: objStrings(ctxObj, "type"),
		},
		ResourceLink: ResourceLink{
			ID:          objString(rlObj, "id"),
			Title:       objString(rlObj, "title"),
			Description: objString(rlObj, "description"),
		},
		Custom: buildCustom(claimObject(claims, claimCustom)),
		AGS:    buildAGS(claimObject(claims, claimAGSEndpoint)),
		NRPS:   buildNRPS(claimObject(claims, claimNRPSEndpoint)),
	}
}
