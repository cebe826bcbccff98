package commands

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"cipherrelay/internal/auth"
)

const keyBits = 2048

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA key pair for a client identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := rsa.GenerateKey(rand.Reader, keyBits)
			if err != nil {
				return err
			}
			privPEM, pubPEM, err := auth.EncodeKeyPair(priv)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(out, 0o700); err != nil {
				return err
			}
			privPath := filepath.Join(out, "private.pem")
			pubPath := filepath.Join(out, "public.pem")
			if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", ".", "directory for private.pem and public.pem")
	return cmd
}

func signCmd() *cobra.Command {
	var keyPath, nickname string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the base64 login signature for a nickname",
		RunE: func(cmd *cobra.Command, args []string) error {
			if nickname == "" {
				return errors.New("--nickname is required")
			}
			raw, err := os.ReadFile(keyPath)
			if err != nil {
				return err
			}
			priv, err := auth.ParsePrivateKey(raw)
			if err != nil {
				return err
			}
			sig, err := auth.Sign(priv, nickname)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "private.pem", "PEM-encoded RSA private key")
	cmd.Flags().StringVar(&nickname, "nickname", "", "nickname to sign")
	return cmd
}
