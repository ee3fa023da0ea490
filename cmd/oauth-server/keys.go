package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth-server/keys"
	"github.com/giantswarm/oauth-server/security"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage signing and encryption keys",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a signing key pair and an encryption key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, _ := cmd.Flags().GetString("out-dir")
		passphrase, _ := cmd.Flags().GetString("passphrase")
		force, _ := cmd.Flags().GetBool("force")

		m, err := keys.Generate()
		if err != nil {
			return err
		}
		private, err := keys.EncodePrivateKeyPEM(m.Signer(), []byte(passphrase))
		if err != nil {
			return err
		}
		public, err := keys.EncodePublicKeyPEM(m.Signer())
		if err != nil {
			return err
		}

		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		privatePath := filepath.Join(dir, "signing.pem")
		publicPath := filepath.Join(dir, "signing.pub.pem")
		if err := writeFile(privatePath, private, 0o600, force); err != nil {
			return err
		}
		if err := writeFile(publicPath, public, 0o644, force); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "private_key_path: %s\n", privatePath)
		fmt.Fprintf(out, "public_key_path: %s\n", publicPath)
		fmt.Fprintf(out, "key_id: %s\n", m.KeyID())
		fmt.Fprintf(out, "encryption_key: %s\n", security.KeyToBase64(m.EncryptionKey()))
		return nil
	},
}

func init() {
	flags := keysGenerateCmd.Flags()
	flags.StringP("out-dir", "o", ".", "directory to write the key files to")
	flags.String("passphrase", "", "encrypt the private key with this passphrase")
	flags.Bool("force", false, "overwrite existing key files")
	keysCmd.AddCommand(keysGenerateCmd)
}

func writeFile(path string, data []byte, perm os.FileMode, force bool) error {
	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flag |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
