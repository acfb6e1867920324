package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nbot-dev/nbot/internal/broker"
	"github.com/nbot-dev/nbot/internal/capability"
	"github.com/nbot-dev/nbot/internal/ids"
	"github.com/nbot-dev/nbot/internal/kv"
	"github.com/nbot-dev/nbot/internal/market"
	"github.com/nbot-dev/nbot/internal/registry"
	"github.com/nbot-dev/nbot/internal/signing"
	"github.com/nbot-dev/nbot/internal/store"
	nplugin "github.com/nbot-dev/nbot/pkg/plugin"
)

// openRegistry constructs the minimal stack a CLI invocation needs against
// an existing (or fresh) data directory: no transport, renderer or async
// gateway is wired in, since a CLI command never runs long enough to field
// an async capability callback. Hooks that call a missing capability get a
// "no transport configured" error rather than a panic, which is what
// internal/capability.Surface already does for a nil collaborator.
func openRegistry(dataDir string, policy signing.Policy) (*registry.Registry, error) {
	st := store.New(filepath.Join(dataDir, "plugins"))
	kvStore := kv.New(filepath.Join(dataDir, "storage"))
	brk := broker.New(nil, nil)
	surface := capability.New(capability.WithBroker(brk), capability.WithKV(kvStore))

	reg, err := registry.New(dataDir, st, kvStore, brk, surface, policy)
	if err != nil {
		return nil, err
	}
	surface.SetConfigHost(reg)
	return reg, nil
}

func dataDirFlag(cmd *cobra.Command) string {
	v, _ := cmd.Flags().GetString("data-dir")
	if v == "" {
		v = "data"
	}
	return v
}

func signingPolicyFromFlags(cmd *cobra.Command) (signing.Policy, error) {
	allowUnsigned, _ := cmd.Flags().GetBool("allow-unsigned")
	keyB64, _ := cmd.Flags().GetString("official-key")
	policy := signing.Policy{AllowUnsigned: allowUnsigned}
	if keyB64 == "" {
		return policy, nil
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return policy, fmt.Errorf("decoding --official-key: %w", err)
	}
	policy.PublisherKey = key
	return policy, nil
}

func buildInstallCmd() *cobra.Command {
	var pkgPath string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install a .nbp package from a local file",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := signingPolicyFromFlags(cmd)
			if err != nil {
				return err
			}
			reg, err := openRegistry(dataDirFlag(cmd), policy)
			if err != nil {
				return err
			}
			body, err := os.ReadFile(pkgPath)
			if err != nil {
				return fmt.Errorf("reading %s: %w", pkgPath, err)
			}
			manifest, err := reg.Install(context.Background(), body, registry.SourceLocal)
			if err != nil {
				return err
			}
			fmt.Printf("installed %s@%s\n", manifest.ID, manifest.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&pkgPath, "package", "", "path to a .nbp package file")
	cmd.Flags().Bool("allow-unsigned", false, "accept a package with no or invalid signature")
	cmd.Flags().String("official-key", "", "base64 ed25519 public key to verify the signature against")
	_ = cmd.MarkFlagRequired("package")
	return cmd
}

func buildListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(dataDirFlag(cmd), signing.Policy{})
			if err != nil {
				return err
			}
			for _, e := range reg.Snapshot() {
				status := "disabled"
				if e.Enabled {
					status = "enabled"
				}
				fmt.Printf("%-24s %-10s %s\n", e.Manifest.ID, e.Manifest.Version, status)
			}
			return nil
		},
	}
}

func buildEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <id>",
		Short: "Enable an installed plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(dataDirFlag(cmd), signing.Policy{})
			if err != nil {
				return err
			}
			return reg.Enable(context.Background(), args[0])
		},
	}
}

func buildDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable an installed plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(dataDirFlag(cmd), signing.Policy{})
			if err != nil {
				return err
			}
			return reg.Disable(context.Background(), args[0])
		},
	}
}

func buildUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <id>",
		Short: "Uninstall a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(dataDirFlag(cmd), signing.Policy{})
			if err != nil {
				return err
			}
			return reg.Uninstall(context.Background(), args[0])
		},
	}
}

func buildConfigCmd() *cobra.Command {
	var jsonBody string
	cmd := &cobra.Command{
		Use:   "config <id>",
		Short: "Update a plugin's configuration from a JSON literal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(dataDirFlag(cmd), signing.Policy{})
			if err != nil {
				return err
			}
			return reg.UpdateConfig(context.Background(), args[0], json.RawMessage(jsonBody))
		},
	}
	cmd.Flags().StringVar(&jsonBody, "json", "{}", "new configuration as a JSON object literal")
	return cmd
}

func buildSyncCmd() *cobra.Command {
	var marketURL string
	var force bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync installed plugins against a market catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := signingPolicyFromFlags(cmd)
			if err != nil {
				return err
			}
			reg, err := openRegistry(dataDirFlag(cmd), policy)
			if err != nil {
				return err
			}
			mkt := market.New(marketURL, reg)
			report, err := mkt.Sync(context.Background(), force)
			if err != nil {
				return err
			}
			fmt.Printf("installed=%d updated=%d skipped=%d failed=%d\n",
				len(report.Installed), len(report.Updated), len(report.Skipped), len(report.Failed))
			for id, reason := range report.Failed {
				fmt.Printf("  failed %s: %s\n", id, reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&marketURL, "market-url", "", "base URL of the plugin market")
	cmd.Flags().BoolVar(&force, "force", false, "reinstall every catalog entry regardless of version")
	cmd.Flags().Bool("allow-unsigned", false, "accept a package with no or invalid signature")
	cmd.Flags().String("official-key", "", "base64 ed25519 public key to verify catalog packages against")
	_ = cmd.MarkFlagRequired("market-url")
	return cmd
}

func buildKeygenCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new ed25519 publisher signing key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := signing.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			pubPath := filepath.Join(outDir, "publisher.pub")
			privPath := filepath.Join(outDir, "publisher.key")
			if err := os.WriteFile(pubPath, []byte(base64.StdEncoding.EncodeToString(pub)+"\n"), 0o644); err != nil {
				return err
			}
			if err := os.WriteFile(privPath, []byte(base64.StdEncoding.EncodeToString(priv)+"\n"), 0o600); err != nil {
				return err
			}
			fmt.Printf("wrote %s and %s\n", pubPath, privPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", ".", "directory to write publisher.pub/publisher.key into")
	return cmd
}

func buildSignCmd() *cobra.Command {
	var pkgPath, keyPath, outPath string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a .nbp package with a publisher private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyB64, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("reading %s: %w", keyPath, err)
			}
			priv, err := decodeKey(keyB64)
			if err != nil {
				return err
			}
			body, err := os.ReadFile(pkgPath)
			if err != nil {
				return fmt.Errorf("reading %s: %w", pkgPath, err)
			}
			signed, err := signPackage(body, priv)
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, signed, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote signed package to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&pkgPath, "package", "", "path to the unsigned .nbp package")
	cmd.Flags().StringVar(&keyPath, "key", "", "path to a base64 ed25519 private key file (from keygen)")
	cmd.Flags().StringVar(&outPath, "out", "", "path to write the signed package to")
	_ = cmd.MarkFlagRequired("package")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func decodeKey(b64 []byte) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(trimNewline(string(b64)))
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	return raw, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// signPackage recomputes the tree hash over pkgBytes' member files
// (excluding manifest.json), signs it with priv, and returns a new
// tar+gzip archive with the manifest's signature field populated.
func signPackage(pkgBytes []byte, priv ed25519.PrivateKey) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(pkgBytes))
	if err != nil {
		return nil, fmt.Errorf("opening package: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	var manifestBytes []byte
	var files []ids.File
	members := map[string][]byte{}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading package: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", hdr.Name, err)
		}
		if hdr.Name == "manifest.json" {
			manifestBytes = data
			continue
		}
		members[hdr.Name] = data
		files = append(files, ids.File{Path: hdr.Name, Bytes: data})
	}
	if manifestBytes == nil {
		return nil, fmt.Errorf("package missing manifest.json")
	}

	var manifest nplugin.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest.json: %w", err)
	}
	manifest.Signature = signing.Sign(files, priv)

	signedManifest, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding signed manifest: %w", err)
	}

	var buf bytes.Buffer
	outGz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(outGz)
	write := func(name string, data []byte) error {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg}); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}
	if err := write("manifest.json", signedManifest); err != nil {
		return nil, err
	}
	for name, data := range members {
		if err := write(name, data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := outGz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
