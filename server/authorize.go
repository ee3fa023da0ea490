package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// AuthorizationState is the position of an AuthorizationRequest in the
// authorization flow.
type AuthorizationState int

const (
	StatePendingValidation AuthorizationState = iota
	StateRequestValidated
	StateAwaitingUserLogin
	StateAwaitingApproval
	StateApproved
	StateDenied
	StateCompleted
)

func (st AuthorizationState) String() string {
	switch st {
	case StatePendingValidation:
		return "pending_validation"
	case StateRequestValidated:
		return "request_validated"
	case StateAwaitingUserLogin:
		return "awaiting_user_login"
	case StateAwaitingApproval:
		return "awaiting_approval"
	case StateApproved:
		return "approved"
	case StateDenied:
		return "denied"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(st))
	}
}

var allowedTransitions = map[AuthorizationState][]AuthorizationState{
	StatePendingValidation: {StateRequestValidated},
	StateRequestValidated:  {StateAwaitingUserLogin, StateAwaitingApproval, StateApproved},
	StateAwaitingUserLogin: {StateAwaitingApproval, StateApproved},
	StateAwaitingApproval:  {StateApproved, StateDenied},
	StateApproved:          {StateCompleted},
	StateDenied:            {StateCompleted},
}

// ErrIllegalTransition is returned when an operation is invoked in the
// wrong state.
var ErrIllegalTransition = errors.New("illegal authorization state transition")

// AuthorizationRequest is a validated /authorize request moving through
// the consent flow.
type AuthorizationRequest struct {
	// ID correlates the request across events and logs.
	ID    string
	State AuthorizationState

	ResponseType string
	Client       *storage.Client
	RedirectURI  string
	Scopes       []*storage.Scope

	// ClientState is the opaque OAuth "state" parameter.
	ClientState string
	Nonce       string

	CodeChallenge       string
	CodeChallengeMethod string

	UserID   string
	AuthTime time.Time

	// AutoApproved is set when consent was skipped.
	AutoApproved bool

	grant AuthorizationGrant
}

// ScopeIDs returns the requested scope identifiers.
func (r *AuthorizationRequest) ScopeIDs() []string {
	return scopeIDs(r.Scopes)
}

// UsesFragment reports whether responses go in the redirect fragment.
func (r *AuthorizationRequest) UsesFragment() bool {
	return r.ResponseType == "token"
}

func (r *AuthorizationRequest) transition(to AuthorizationState) error {
	for _, allowed := range allowedTransitions[r.State] {
		if allowed == to {
			r.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, r.State, to)
}

// redirectError attaches the request's redirect to err.
func (r *AuthorizationRequest) redirectError(err *Error) *Error {
	return err.WithRedirect(r.RedirectURI, r.ClientState, r.UsesFragment())
}

// ValidateAuthorizationRequest checks an /authorize query. Errors raised
// before the redirect URI is trusted are plain; later ones carry the
// redirect and state.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, params url.Values) (*AuthorizationRequest, error) {
	ctx, span := s.startSpan(ctx, "oauth.server.validate_authorization")
	defer span.End()

	req, err := s.validateAuthorizationRequest(ctx, params)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.AddOAuthFlowAttributes(span, req.Client.ID, "", util.FormatScopes(req.ScopeIDs()))
	instrumentation.SetSpanSuccess(span)
	return req, nil
}

func (s *Server) validateAuthorizationRequest(ctx context.Context, params url.Values) (*AuthorizationRequest, error) {
	if s.Config.ServiceDisabled {
		return nil, ErrTemporarilyUnavailable("The authorization service is disabled")
	}

	responseType := params.Get("response_type")
	if responseType == "" {
		return nil, ErrInvalidRequest("response_type is required")
	}
	var grant AuthorizationGrant
	for _, g := range s.authGrants {
		if g.ResponseType() == responseType {
			grant = g
			break
		}
	}
	if grant == nil {
		return nil, ErrUnsupportedResponseType(fmt.Sprintf("The response type %q is not supported", util.SafeTruncate(responseType, 32)))
	}

	clientID := params.Get("client_id")
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	client, err := s.stores.Clients().GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		return nil, ErrInvalidClient("Client authentication failed")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	redirectURI := params.Get("redirect_uri")
	switch {
	case redirectURI == "" && len(client.RedirectURIs) == 1:
		redirectURI = client.RedirectURIs[0]
	case redirectURI == "":
		return nil, ErrInvalidRequest("redirect_uri is required")
	case !client.HasRedirectURI(redirectURI):
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventInvalidRedirect,
			ClientID: client.ID,
			Details:  map[string]any{"redirect_uri": util.SafeTruncate(redirectURI, 256)},
		})
		return nil, ErrInvalidRequest("redirect_uri is not registered for the client")
	}

	req := &AuthorizationRequest{
		ID:           ksuid.New().String(),
		State:        StatePendingValidation,
		ResponseType: responseType,
		Client:       client,
		RedirectURI:  redirectURI,
		ClientState:  params.Get("state"),
		Nonce:        params.Get("nonce"),
		grant:        grant,
	}

	// The redirect is trusted from here on.

	scopes, err := s.resolveScopes(ctx, client, params.Get("scope"))
	if err != nil {
		var oe *Error
		if errors.As(err, &oe) {
			return nil, req.redirectError(oe)
		}
		return nil, err
	}
	req.Scopes = scopes

	if responseType == "code" {
		method, err := s.validateCodeChallenge(params.Get("code_challenge"), params.Get("code_challenge_method"))
		if err != nil {
			return nil, req.redirectError(ErrInvalidRequest(err.Error()))
		}
		req.CodeChallenge = params.Get("code_challenge")
		req.CodeChallengeMethod = method
	}

	if err := req.transition(StateRequestValidated); err != nil {
		return nil, err
	}
	return req, nil
}

// BeginAuthorization attaches the authenticated user. Without one the
// request waits for login. Otherwise beforeAuthorize fires and the request
// is either auto-approved, when the user already holds an unexpired token
// for the client covering every requested scope, or awaits consent.
func (s *Server) BeginAuthorization(ctx context.Context, req *AuthorizationRequest, userID string) error {
	if req.State != StateRequestValidated && req.State != StateAwaitingUserLogin {
		return fmt.Errorf("%w: cannot begin from %s", ErrIllegalTransition, req.State)
	}
	if userID == "" {
		if req.State == StateAwaitingUserLogin {
			return nil
		}
		return req.transition(StateAwaitingUserLogin)
	}

	req.UserID = userID
	req.AuthTime = s.codec.Now()
	s.emit(ctx, EventBeforeAuthorize, req)

	covered, err := s.hasCoveringToken(ctx, req)
	if err != nil {
		return err
	}
	if covered {
		req.AutoApproved = true
		s.Logger.Debug("Authorization auto-approved", "client_id", req.Client.ID, "request_id", req.ID)
		return s.decide(ctx, req, true)
	}
	return req.transition(StateAwaitingApproval)
}

func (s *Server) hasCoveringToken(ctx context.Context, req *AuthorizationRequest) (bool, error) {
	active, err := s.stores.AccessTokens().FindActiveAccessTokens(ctx, req.Client.ID, req.UserID, s.codec.Now())
	if err != nil {
		return false, fmt.Errorf("failed to look up active tokens: %w", err)
	}
	requested := req.ScopeIDs()
	for _, t := range active {
		if t.CoversScopes(requested) {
			return true, nil
		}
	}
	return false, nil
}

// Approve records the user's consent.
func (s *Server) Approve(ctx context.Context, req *AuthorizationRequest) error {
	return s.decide(ctx, req, true)
}

// Deny records the user's refusal.
func (s *Server) Deny(ctx context.Context, req *AuthorizationRequest) error {
	return s.decide(ctx, req, false)
}

func (s *Server) decide(ctx context.Context, req *AuthorizationRequest, approved bool) error {
	to := StateDenied
	if approved {
		to = StateApproved
	}
	if err := req.transition(to); err != nil {
		return err
	}
	s.Auditor.LogAuthorizationDecision(req.UserID, req.Client.ID, util.FormatScopes(req.ScopeIDs()), approved, req.AutoApproved)
	return nil
}

// CompleteAuthorization answers a decided request. An approved request is
// handed to its grant (code in the query, implicit token in the fragment);
// a denied one yields an access_denied redirect. Either way the returned
// URL is where the user agent goes next.
func (s *Server) CompleteAuthorization(ctx context.Context, req *AuthorizationRequest) (*url.URL, error) {
	ctx, span := s.startSpan(ctx, "oauth.server.complete_authorization")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.Client.ID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
		attribute.String(instrumentation.AttrTxState, req.State.String()),
	)

	switch req.State {
	case StateApproved:
		u, err := req.grant.CompleteAuthorization(ctx, req)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
		if err := req.transition(StateCompleted); err != nil {
			return nil, err
		}
		outcome := "approved"
		if req.AutoApproved {
			outcome = "auto_approved"
		}
		s.metrics.RecordAuthorization(ctx, req.Client.ID, outcome)
		s.emit(ctx, EventAfterAuthorize, req)
		instrumentation.SetSpanSuccess(span)
		return u, nil

	case StateDenied:
		u, err := req.redirectError(ErrAccessDenied("The resource owner denied the request")).RedirectURL()
		if err != nil {
			return nil, err
		}
		if err := req.transition(StateCompleted); err != nil {
			return nil, err
		}
		s.metrics.RecordAuthorization(ctx, req.Client.ID, "denied")
		s.emit(ctx, EventAfterDeny, req)
		instrumentation.SetSpanSuccess(span)
		return u, nil

	default:
		return nil, fmt.Errorf("%w: cannot complete from %s", ErrIllegalTransition, req.State)
	}
}
