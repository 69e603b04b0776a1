package main

import (
	gocrypto "crypto"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/common/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenneth/byok-gateway/internal/api"
	"github.com/kenneth/byok-gateway/internal/client"
	"github.com/kenneth/byok-gateway/internal/crypto"
	"github.com/kenneth/byok-gateway/internal/signature"
	"github.com/kenneth/byok-gateway/internal/transfer"
)

type globalFlags struct {
	baseURL  string
	adminKey string
	timeout  time.Duration
	verbose  bool
}

func (g *globalFlags) client() (*client.Client, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if g.verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}
	return client.New(g.baseURL,
		client.WithAdminKey(g.adminKey),
		client.WithHTTPClient(&http.Client{Timeout: g.timeout}),
		client.WithLogger(logger),
	)
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{
		baseURL:  envOr("BYOK_GATEWAY_URL", "http://localhost:8080"),
		adminKey: envOr("BYOK_ADMIN_KEY", ""),
		timeout:  client.DefaultTimeout,
	}

	root := &cobra.Command{
		Use:           "byokctl",
		Short:         "Prepare and submit BYOK key transfer requests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.baseURL, "gateway-url", g.baseURL, "Gateway base URL (env BYOK_GATEWAY_URL)")
	root.PersistentFlags().StringVar(&g.adminKey, "admin-key", g.adminKey, "Admin API key (env BYOK_ADMIN_KEY)")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", g.timeout, "Per-request timeout")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Log each gateway request")

	root.AddCommand(
		newKEKCommand(g),
		newWrapCommand(),
		newSignCommand(),
		newImportCommand(g),
		newRotateCommand(g),
		newCertificateCommand(g),
		newVersionCommand(),
	)
	return root
}

func newKEKCommand(g *globalFlags) *cobra.Command {
	var publicOut string
	cmd := &cobra.Command{
		Use:   "kek NAME",
		Short: "Generate a key encryption key and print its public half",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			kek, err := c.GenerateKEK(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if publicOut != "" {
				if err := os.WriteFile(publicOut, []byte(kek.PublicKeyPEM), 0o644); err != nil {
					return fmt.Errorf("failed to write public key: %w", err)
				}
			}
			return printJSON(cmd.OutOrStdout(), kek)
		},
	}
	cmd.Flags().StringVar(&publicOut, "public-key-out", "", "Also write the KEK public key PEM to this file")
	return cmd
}

func newWrapCommand() *cobra.Command {
	var keyPath, kekPath, kekID, out string
	cmd := &cobra.Command{
		Use:   "wrap",
		Short: "Wrap a private key under a KEK public key into a transfer blob",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kekID == "" {
				return fmt.Errorf("--kek-id is required")
			}
			key, err := readPrivateKey(keyPath)
			if err != nil {
				return err
			}
			kekPEM, err := os.ReadFile(kekPath)
			if err != nil {
				return fmt.Errorf("failed to read KEK public key: %w", err)
			}
			kek, err := crypto.ParseRSAPublicKeyPEM(kekPEM)
			if err != nil {
				return err
			}
			ciphertext, err := crypto.NewKeyWrapper().WrapPrivateKey(kek, key)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out, transfer.NewBlob(ciphertext, kekID))
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "PEM private key to transfer")
	cmd.Flags().StringVar(&kekPath, "kek-public-key", "", "PEM public key of the KEK")
	cmd.Flags().StringVar(&kekID, "kek-id", "", "KEK identifier placed in the blob header")
	cmd.Flags().StringVarP(&out, "output", "o", "", "Write the blob here instead of stdout")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("kek-public-key")
	return cmd
}

type signFlags struct {
	blobPath     string
	signerPath   string
	name         string
	keyOps       []string
	actionGroups []string
	format       string
	raw          bool
	out          string
}

func newSignCommand() *cobra.Command {
	f := &signFlags{}
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Build a signed import or rotate request from a transfer blob",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(time.Now)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), f.out, req)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&f.out, "output", "o", "", "Write the request here instead of stdout")
	_ = cmd.MarkFlagRequired("blob")
	_ = cmd.MarkFlagRequired("signer-key")
	return cmd
}

func (f *signFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.blobPath, "blob", "", "Transfer blob produced by wrap")
	cmd.Flags().StringVar(&f.signerPath, "signer-key", "", "PEM private key matching the gateway's verification certificate")
	cmd.Flags().StringVar(&f.name, "name", "", "Key name")
	cmd.Flags().StringSliceVar(&f.keyOps, "key-ops", nil, "Permitted key operations")
	cmd.Flags().StringSliceVar(&f.actionGroups, "action-groups", nil, "Action groups notified by the key's alert (import only)")
	cmd.Flags().StringVar(&f.format, "timestamp-format", string(signature.FormatRFC3339), "Timestamp format: rfc3339|en-us")
	cmd.Flags().BoolVar(&f.raw, "raw", false, "Send key_encryption_key_id and encrypted_key_base64 instead of the blob")
}

// load signs a fresh request when a blob is given and otherwise reads a signed one from requestPath.
func (f *signFlags) load(requestPath string) (api.KeyRequest, error) {
	if f.blobPath == "" {
		return readRequest(requestPath)
	}
	if f.signerPath == "" {
		return api.KeyRequest{}, fmt.Errorf("--signer-key is required with --blob")
	}
	return f.request(time.Now)
}

func (f *signFlags) request(now func() time.Time) (api.KeyRequest, error) {
	format, err := signature.ParseTimestampFormat(f.format)
	if err != nil {
		return api.KeyRequest{}, err
	}
	data, err := os.ReadFile(f.blobPath)
	if err != nil {
		return api.KeyRequest{}, fmt.Errorf("failed to read blob: %w", err)
	}
	blob, err := transfer.Unmarshal(data)
	if err != nil {
		return api.KeyRequest{}, err
	}
	key, err := readPrivateKey(f.signerPath)
	if err != nil {
		return api.KeyRequest{}, err
	}

	req := api.KeyRequest{
		Name:          f.name,
		KeyOperations: f.keyOps,
		ActionGroups:  f.actionGroups,
	}
	signer := client.Signer{Key: key, Format: format, Now: now}
	if f.raw {
		ciphertext, err := blob.DecodeCiphertext()
		if err != nil {
			return api.KeyRequest{}, fmt.Errorf("invalid blob ciphertext: %w", err)
		}
		err = signer.SignEncryptedKey(&req, blob.Header.Kid, ciphertext)
	} else {
		err = signer.SignTransferBlob(&req, blob)
	}
	if err != nil {
		return api.KeyRequest{}, err
	}
	return req, nil
}

func newImportCommand(g *globalFlags) *cobra.Command {
	f := &signFlags{}
	var requestPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Submit an import request, signing it first when --blob is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.load(requestPath)
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			info, err := c.ImportKey(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
	cmd.Flags().StringVar(&requestPath, "request", "-", "Signed request produced by sign, - for stdin")
	f.register(cmd)
	return cmd
}

func newRotateCommand(g *globalFlags) *cobra.Command {
	f := &signFlags{}
	var requestPath string
	cmd := &cobra.Command{
		Use:   "rotate NAME",
		Short: "Submit a rotate request for an existing key, signing it first when --blob is given",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.load(requestPath)
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			info, err := c.RotateKey(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
	cmd.Flags().StringVar(&requestPath, "request", "-", "Signed request produced by sign, - for stdin")
	f.register(cmd)
	return cmd
}

func newCertificateCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certificate",
		Short: "Manage the verification certificate",
	}

	var password string
	upload := &cobra.Command{
		Use:   "upload FILE",
		Short: "Install a PEM, DER or PKCS#12 verification certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read certificate: %w", err)
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			info, err := c.UploadCertificate(cmd.Context(), data, password)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
	upload.Flags().StringVar(&password, "password", envOr("BYOK_CERTIFICATE_PASSWORD", ""), "PKCS#12 password (env BYOK_CERTIFICATE_PASSWORD)")

	show := &cobra.Command{
		Use:   "show",
		Short: "Describe the installed verification certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			info, err := c.Certificate(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}

	cmd.AddCommand(upload, show)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Print("byokctl"))
		},
	}
}

func readPrivateKey(path string) (gocrypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return crypto.ParsePrivateKeyPEM(data)
}

func readRequest(path string) (api.KeyRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return api.KeyRequest{}, fmt.Errorf("failed to read request: %w", err)
	}
	var req api.KeyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return api.KeyRequest{}, fmt.Errorf("invalid request: %w", err)
	}
	if strings.TrimSpace(req.SignatureBase64) == "" {
		return api.KeyRequest{}, fmt.Errorf("request is not signed")
	}
	return req, nil
}

func writeJSON(stdout io.Writer, path string, v any) error {
	if path == "" {
		return printJSON(stdout, v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
