package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth-server/config"
	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/storage"
)

// withStore opens the runtime and hands fn the store bound to role.
// Writes to the memory backend are lost on exit, so they are refused.
func withStore(ctx context.Context, role storage.Role, fn func(handle any) error) error {
	cfg, rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.Background()) }()

	if cfg.Storage.Backend(role) == config.BackendMemory {
		return fmt.Errorf("the %s repository uses the memory backend, nothing would be persisted", role)
	}
	return fn(rt.Stores.Handle(role))
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Manage OAuth clients",
}

var clientCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a client and print its credentials",
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, _ := cmd.Flags().GetString("name")
		redirects, _ := cmd.Flags().GetStringSlice("redirect-uri")
		scopes, _ := cmd.Flags().GetStringSlice("scope")
		public, _ := cmd.Flags().GetBool("public")

		for _, uri := range redirects {
			if err := util.ValidateRedirectURI(uri); err != nil {
				return err
			}
		}

		client := &storage.Client{
			ID:           storage.NewClientID(),
			Name:         name,
			RedirectURIs: redirects,
			Scopes:       scopes,
			CreatedAt:    time.Now(),
		}
		var secret string
		if !public {
			secret = storage.NewClientSecret()
			hash, err := storage.HashSecret(secret)
			if err != nil {
				return err
			}
			client.SecretHash = hash
		}

		return withStore(cmd.Context(), storage.RoleClient, func(handle any) error {
			w, ok := handle.(storage.ClientWriter)
			if !ok {
				return fmt.Errorf("the client repository does not accept writes")
			}
			if err := w.SaveClient(cmd.Context(), client); err != nil {
				return fmt.Errorf("save client: %w", err)
			}
			slog.Info("Client registered", "client_id", client.ID, "confidential", client.IsConfidential())

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "client_id: %s\n", client.ID)
			if secret != "" {
				fmt.Fprintf(out, "client_secret: %s\n", secret)
			}
			return nil
		})
	},
}

var scopesCmd = &cobra.Command{
	Use:   "scopes",
	Short: "Manage scopes",
}

var scopesSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Register the standard OpenID Connect scopes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), storage.RoleScope, func(handle any) error {
			w, ok := handle.(storage.ScopeWriter)
			if !ok {
				return fmt.Errorf("the scope repository does not accept writes")
			}
			for _, sc := range storage.DefaultScopes() {
				if err := w.SaveScope(cmd.Context(), sc); err != nil {
					return fmt.Errorf("save scope %s: %w", sc.ID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", sc.ID, sc.Description)
			}
			return nil
		})
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users for the password grant and OpenID Connect claims",
}

var userCreateCmd = &cobra.Command{
	Use:   "create USER_ID",
	Short: "Create or replace a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		pairs, _ := cmd.Flags().GetStringSlice("claim")

		claims, err := parseClaims(pairs)
		if err != nil {
			return err
		}
		user := &storage.User{ID: args[0], Claims: claims}

		return withStore(cmd.Context(), storage.RoleUser, func(handle any) error {
			w, ok := handle.(storage.UserWriter)
			if !ok {
				return fmt.Errorf("the user repository does not accept writes")
			}
			if err := w.SaveUser(cmd.Context(), user, password); err != nil {
				return fmt.Errorf("save user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user_id: %s\n", user.ID)
			return nil
		})
	},
}

// parseClaims turns key=value pairs into claims. "true" and "false"
// become booleans.
func parseClaims(pairs []string) (map[string]any, error) {
	claims := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("claim %q must be key=value", p)
		}
		switch v {
		case "true":
			claims[k] = true
		case "false":
			claims[k] = false
		default:
			claims[k] = v
		}
	}
	return claims, nil
}

func init() {
	flags := clientCreateCmd.Flags()
	flags.String("name", "", "display name shown on the consent page")
	flags.StringSlice("redirect-uri", nil, "registered redirect URI (repeatable)")
	flags.StringSlice("scope", nil, "restrict the client to these scopes (repeatable)")
	flags.Bool("public", false, "create a public client without a secret")
	cobra.CheckErr(clientCreateCmd.MarkFlagRequired("redirect-uri"))
	clientCmd.AddCommand(clientCreateCmd)

	scopesCmd.AddCommand(scopesSeedCmd)

	userFlags := userCreateCmd.Flags()
	userFlags.String("password", "", "password for the password grant")
	userFlags.StringSlice("claim", nil, "OpenID Connect claim as key=value (repeatable)")
	userCmd.AddCommand(userCreateCmd)
}
