package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/storage"
)

// Client type labels used in logs and CLI output.
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// ClientRegistration describes a client to create.
type ClientRegistration struct {
	Name         string
	RedirectURIs []string
	Scopes       []string
	Confidential bool
}

// RegisterClient validates and stores a new client. For confidential
// clients the plaintext secret is returned once; only its hash is kept.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*storage.Client, string, error) {
	writer, ok := s.stores.Handle(storage.RoleClient).(storage.ClientWriter)
	if !ok {
		return nil, "", fmt.Errorf("client repository is read-only")
	}
	if reg.Name == "" {
		return nil, "", fmt.Errorf("client name is required")
	}
	for _, uri := range reg.RedirectURIs {
		if err := util.ValidateRedirectURI(uri); err != nil {
			return nil, "", fmt.Errorf("redirect uri %q: %w", uri, err)
		}
	}
	for _, scope := range reg.Scopes {
		if _, err := s.stores.Scopes().GetScope(ctx, scope); err != nil {
			return nil, "", fmt.Errorf("scope %q: %w", scope, err)
		}
	}

	client := &storage.Client{
		ID:           storage.NewClientID(),
		Name:         reg.Name,
		RedirectURIs: reg.RedirectURIs,
		Scopes:       reg.Scopes,
		CreatedAt:    time.Now(),
	}

	var secret string
	if reg.Confidential {
		secret = storage.NewClientSecret()
		hash, err := storage.HashSecret(secret)
		if err != nil {
			return nil, "", err
		}
		client.SecretHash = hash
	}

	if err := writer.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	clientType := ClientTypePublic
	if client.IsConfidential() {
		clientType = ClientTypeConfidential
	}
	s.Logger.Info("Registered client", "client_id", client.ID, "client_type", clientType)
	return client, secret, nil
}

// authenticateClient resolves the client and checks its secret. Public
// clients authenticate by id alone unless requireConfidential is set.
func (s *Server) authenticateClient(ctx context.Context, clientID, secret, clientIP string, requireConfidential bool) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := s.stores.Clients().GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		s.Auditor.LogAuthFailure("", clientID, clientIP, "unknown_client")
		return nil, ErrInvalidClient("Client authentication failed")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	if !client.IsConfidential() {
		if requireConfidential {
			s.Auditor.LogAuthFailure("", clientID, clientIP, "public_client_not_allowed")
			return nil, ErrInvalidClient("Client authentication failed")
		}
		return client, nil
	}

	if secret == "" {
		s.Auditor.LogAuthFailure("", clientID, clientIP, "missing_client_secret")
		return nil, ErrInvalidClient("Client authentication failed")
	}
	err = s.stores.Clients().ValidateClientSecret(ctx, clientID, secret)
	if errors.Is(err, storage.ErrInvalidCredentials) {
		s.Auditor.LogAuthFailure("", clientID, clientIP, "invalid_client_secret")
		return nil, ErrInvalidClient("Client authentication failed")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to validate client secret: %w", err)
	}
	return client, nil
}
