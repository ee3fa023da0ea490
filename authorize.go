package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/server"
)

// maxFormBytes bounds form bodies on browser-facing endpoints.
const maxFormBytes = 64 << 10

// ServeIndex redirects "/" to the authorization endpoint, keeping the
// query string.
func (h *Handler) ServeIndex(w http.ResponseWriter, r *http.Request) {
	if h.config.Endpoints.IndexRedirectDisabled {
		http.NotFound(w, r)
		return
	}
	if h.server.Config.ServiceDisabled {
		h.writeError(w, r, ErrTemporarilyUnavailable("The authorization service is disabled"), tokenTypeBearer)
		return
	}
	target := h.endpoint("/authorize")
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// ServeAuthorization handles GET and POST /authorize.
//
// GET validates the request, sends users without a session to the login
// page and either auto-approves or renders the consent page. POST carries
// the consent decision: "authorization=Approve" approves, anything else
// denies. Both end with a redirect to the client.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	areq, err := h.server.ValidateAuthorizationRequest(ctx, query)
	if err != nil {
		h.writeRedirectError(w, r, err)
		return
	}

	userID, err := h.config.Sessions.SessionUser(r)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("failed to resolve session: %w", err), tokenTypeBearer)
		return
	}

	if err := h.server.BeginAuthorization(ctx, areq, userID); err != nil {
		h.writeRedirectError(w, r, err)
		return
	}

	switch areq.State {
	case server.StateAwaitingUserLogin:
		h.redirectToLogin(w, r)
		return

	case server.StateAwaitingApproval:
		if r.Method != http.MethodPost {
			h.renderApproval(w, r, areq, query)
			return
		}
		if err := h.decide(ctx, w, r, areq, query); err != nil {
			h.writeError(w, r, err, tokenTypeBearer)
			return
		}
	}

	redirect, err := h.server.CompleteAuthorization(ctx, areq)
	if err != nil {
		h.writeRedirectError(w, r, err)
		return
	}
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// decide applies the posted consent decision after checking the form's
// CSRF token against the user and the exact authorize query.
func (h *Handler) decide(ctx context.Context, w http.ResponseWriter, r *http.Request, areq *server.AuthorizationRequest, query url.Values) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return ErrInvalidRequest("Failed to parse form")
	}

	if !h.csrf.Valid(r.PostFormValue(ApprovalCSRFField), areq.UserID, query.Encode()) {
		h.server.Auditor.LogEvent(security.Event{
			Type:      security.EventCSRFValidationFailed,
			UserID:    areq.UserID,
			ClientID:  areq.Client.ID,
			IPAddress: h.ips.ClientIP(r),
		})
		return ErrInvalidRequest("The approval form is invalid or has expired")
	}

	if r.PostFormValue(ApprovalDecisionField) == ApprovalApprove {
		return h.server.Approve(ctx, areq)
	}
	return h.server.Deny(ctx, areq)
}

func (h *Handler) renderApproval(w http.ResponseWriter, r *http.Request, areq *server.AuthorizationRequest, query url.Values) {
	name := areq.Client.Name
	if name == "" {
		name = areq.Client.ID
	}
	page := &ApprovalPage{
		ClientID:      areq.Client.ID,
		ClientName:    name,
		UserID:        areq.UserID,
		Scopes:        areq.Scopes,
		ActionURL:     h.endpoint("/authorize") + "?" + r.URL.RawQuery,
		CSRFToken:     h.csrf.Token(areq.UserID, query.Encode()),
		DecisionField: ApprovalDecisionField,
		CSRFField:     ApprovalCSRFField,
		ApproveValue:  ApprovalApprove,
		DenyValue:     ApprovalDeny,
	}

	security.SetPageSecurityHeaders(w, h.server.Config.Issuer)
	if err := h.config.Approval.RenderApproval(w, r, page); err != nil {
		h.writeError(w, r, err, tokenTypeBearer)
	}
}

// redirectToLogin sends the user agent to LoginURL?redirect=<authorize URL>.
func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	if h.config.LoginURL == "" {
		h.writeError(w, r, ErrAccessDenied("User authentication is required"), tokenTypeBearer)
		return
	}

	login, err := url.Parse(h.config.LoginURL)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("invalid login URL: %w", err), tokenTypeBearer)
		return
	}
	back := h.endpoint("/authorize")
	if r.URL.RawQuery != "" {
		back += "?" + r.URL.RawQuery
	}
	q := login.Query()
	q.Set("redirect", back)
	login.RawQuery = q.Encode()

	http.Redirect(w, r, login.String(), http.StatusFound)
}
