// Package main provides the CLI entry point for the DHT node.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/duskmesh/dht/internal/config"
	"github.com/duskmesh/dht/internal/dht"
	"github.com/duskmesh/dht/internal/dhtcrypto"
	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/logging"
	"github.com/duskmesh/dht/internal/messaging"
	"github.com/duskmesh/dht/internal/recovery"
	"github.com/duskmesh/dht/internal/routingtable"
	"github.com/duskmesh/dht/internal/storage"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "dhtnode",
		Short:   "A Kademlia DHT node with an end-to-end encrypted messaging overlay",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(idCmd())
	rootCmd.AddCommand(routingTableCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the DHT node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to configuration file")
	return cmd
}

func runServe(cfg *config.Config) error {
	logOut, closeLog, err := openLogOutput(cfg.Node.LogFile)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer closeLog()
	slogger := logging.NewLoggerWithWriter(cfg.Node.LogLevel, cfg.Node.LogFormat, logOut)

	keyPair, err := loadOrCreateKey(cfg.Node.KeyFile)
	if err != nil {
		return fmt.Errorf("load node key: %w", err)
	}
	self := keyPair.Id()
	slogger.Info("node identity", "id", self.String())

	if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()
	if fi, err := os.Stat(cfg.Storage.Path); err == nil {
		slogger.Info("opened storage", "path", cfg.Storage.Path, "size", humanize.Bytes(uint64(fi.Size())))
	}

	bootstrap, err := resolveBootstrapNodes(cfg.Bootstrap)
	if err != nil {
		return fmt.Errorf("resolve bootstrap nodes: %w", err)
	}

	addr4, addr6, err := resolveListenAddrs(cfg.Network)
	if err != nil {
		return fmt.Errorf("resolve listen addresses: %w", err)
	}

	runner, err := dht.NewRunner(dht.RunnerConfig{
		KeyPair:        keyPair,
		Addr4:          addr4,
		Addr6:          addr6,
		BootstrapNodes: bootstrap,
		Storage:        db,
		RoutingDir:     cfg.Storage.RoutingDir,
		Logger:         slogger,
	})
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}
	if err := runner.Start(); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Address, Handler: promhttp.Handler()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recovery.RecoverWithLog(slogger, "metricsServer")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slogger.Error("metrics server stopped", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	var msgClient *messaging.Client
	if cfg.Messaging.Enabled {
		msgClient, err = startMessaging(ctx, cfg, keyPair, slogger)
		if err != nil {
			slogger.Error("messaging client failed to start", "error", err)
		}
	}

	slogger.Info("dht node started", "id", self.String(), "addr4", cfg.Network.Addr4, "addr6", cfg.Network.Addr6)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slogger.Info("received signal, shutting down", "signal", sig.String())

	cancel()
	if msgClient != nil {
		msgClient.Stop()
	}
	if err := runner.Stop(); err != nil {
		slogger.Error("error stopping runner", "error", err)
	}
	wg.Wait()
	return nil
}

func startMessaging(ctx context.Context, cfg *config.Config, keyPair *dhtcrypto.SigningKeyPair, logger *slog.Logger) (*messaging.Client, error) {
	sessionKey, err := loadOrCreateSessionKey(filepath.Join(cfg.Node.DataDir, "session.key"))
	if err != nil {
		return nil, fmt.Errorf("load session key: %w", err)
	}
	session := &messaging.Session{
		UserIdentity:   keyPair,
		DeviceIdentity: keyPair,
		SessionKeyPair: sessionKey,
		APIURL:         cfg.Messaging.APIURL,
	}
	client, err := messaging.New(messaging.Config{
		Session:   session,
		BrokerURL: cfg.Messaging.BrokerURL,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func idCmd() *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Print the node identity derived from its key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := loadOrCreateKey(keyFile)
			if err != nil {
				return err
			}
			fmt.Println(kp.Id().String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&keyFile, "key-file", "k", "./data/node.key", "path to the node's signing key")
	return cmd
}

func routingTableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routing-table",
		Short: "Inspect a persisted routing table snapshot",
	}
	cmd.AddCommand(routingTableDumpCmd())
	return cmd
}

func routingTableDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <snapshot-path>",
		Short: "Print every entry in a routing-v4.bin/routing-v6.bin snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := routingtable.New(id.Zero, logging.NopLogger())
			if err := rt.Load(args[0]); err != nil {
				return fmt.Errorf("load snapshot: %w", err)
			}
			for _, b := range rt.Buckets() {
				for _, e := range b.All() {
					fmt.Printf("%s  last seen %s  failed=%d\n", e.Info.String(), humanize.Time(e.LastSeen), e.FailedRequests)
				}
			}
			return nil
		},
	}
	return cmd
}

// loadOrCreateKey reads a hex-encoded 64-byte Ed25519 private key from path, generating
// and persisting a fresh one on first run.
func loadOrCreateKey(path string) (*dhtcrypto.SigningKeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		raw, decodeErr := hex.DecodeString(string(data))
		if decodeErr != nil || len(raw) != dhtcrypto.SigningPrivateKeySize {
			return nil, fmt.Errorf("key file %s is not a valid hex-encoded signing key", path)
		}
		var priv [dhtcrypto.SigningPrivateKeySize]byte
		copy(priv[:], raw)
		return dhtcrypto.SigningKeyPairFromPrivate(priv), nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	kp, err := dhtcrypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(kp.PrivateKey[:])), 0o600); err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	return kp, nil
}

// loadOrCreateSessionKey persists the user's messaging session
// keypair (§3/§4.7) the same way loadOrCreateKey persists the node's
// signing key, so its public half stays stable across restarts for
// contacts to store.
func loadOrCreateSessionKey(path string) (*dhtcrypto.BoxKeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		raw, decodeErr := hex.DecodeString(string(data))
		if decodeErr != nil || len(raw) != dhtcrypto.BoxKeySize {
			return nil, fmt.Errorf("session key file %s is not a valid hex-encoded box key", path)
		}
		var priv [dhtcrypto.BoxKeySize]byte
		copy(priv[:], raw)
		return dhtcrypto.BoxKeyPairFromPrivate(priv), nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	kp, err := dhtcrypto.GenerateBoxKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create session key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(kp.PrivateKey[:])), 0o600); err != nil {
		return nil, fmt.Errorf("persist session key: %w", err)
	}
	return kp, nil
}

func resolveListenAddrs(cfg config.NetworkConfig) (addr4, addr6 *net.UDPAddr, err error) {
	if cfg.Addr4 != "" {
		addr4, err = net.ResolveUDPAddr("udp4", cfg.Addr4)
		if err != nil {
			return nil, nil, fmt.Errorf("addr4: %w", err)
		}
	}
	if cfg.Addr6 != "" {
		addr6, err = net.ResolveUDPAddr("udp6", cfg.Addr6)
		if err != nil {
			return nil, nil, fmt.Errorf("addr6: %w", err)
		}
	}
	return addr4, addr6, nil
}

func resolveBootstrapNodes(nodes []config.BootstrapNode) ([]routingtable.NodeInfo, error) {
	out := make([]routingtable.NodeInfo, 0, len(nodes))
	for _, b := range nodes {
		nodeID, err := id.FromHex(b.ID)
		if err != nil {
			return nil, fmt.Errorf("bootstrap node %s: %w", b.ID, err)
		}
		addrStr := b.Addr4
		if addrStr == "" {
			addrStr = b.Addr6
		}
		addr, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			return nil, fmt.Errorf("bootstrap node %s: %w", b.ID, err)
		}
		out = append(out, routingtable.NodeInfo{Id: nodeID, Addr: addr})
	}
	return out, nil
}

func openLogOutput(path string) (*os.File, func(), error) {
	if path == "" {
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
