package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/strata/internal/blueprint"
	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/extproc"
	"github.com/dreamware/strata/internal/metrics"
	"github.com/dreamware/strata/internal/namespace"
	"github.com/dreamware/strata/internal/node"
	"github.com/dreamware/strata/internal/storage"
)

const peerIDFile = "peer-id"

func newPeerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Run a strata peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(v.GetString("log-level"), v.GetString("log-format"))
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runPeer(cmd.Context(), v, logger)
		},
	}
	addPeerFlags(cmd.Flags())
	return cmd
}

// addPeerFlags declares every setting of a peer. Each can also come from
// STRATA_<NAME> or the --config file.
func addPeerFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "path to a YAML config file")
	flags.String("listen", ":7400", "peer protocol listen address")
	flags.String("advertise", "", "address other peers dial (defaults to the listen address)")
	flags.StringSlice("join", nil, "addresses of running peers to join")
	flags.String("data-dir", "./data", "directory holding the peer id and the shard files")
	flags.String("namespace", "", "namespace id served by the cluster (required)")
	flags.String("blueprint", "", "blueprint file to load and watch for changes")
	flags.String("admin-addr", ":7480", "admin HTTP listen address (empty disables)")
	flags.Duration("heartbeat", time.Second, "heartbeat interval")
	flags.String("compatible", "", "semver constraint remote builds must satisfy")
	flags.Int("storage-workers", 2, "sqlite writer goroutines")
	flags.Int("chunk-size", 0, "keys per backfill chunk (0 uses the default)")
	flags.Duration("reply-timeout", namespace.DefaultReplyTimeout, "how long a client request waits for each answer")
}

// loadPeerID returns the peer id stored in dir, minting and storing one on
// first start so a peer keeps its place in the blueprint across restarts.
func loadPeerID(dir string) (cluster.PeerID, error) {
	path := filepath.Join(dir, peerIDFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, err := cluster.ParsePeerID(strings.TrimSpace(string(data)))
		if err != nil {
			return cluster.NilPeer, fmt.Errorf("%s: %w", path, err)
		}
		return id, nil
	case !errors.Is(err, os.ErrNotExist):
		return cluster.NilPeer, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cluster.NilPeer, err
	}
	id := cluster.NewPeerID()
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return cluster.NilPeer, err
	}
	return id, nil
}

func parseJoin(addrs []string) ([]cluster.PeerAddress, error) {
	var out []cluster.PeerAddress
	for _, s := range addrs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		a, err := cluster.ParsePeerAddress(s)
		if err != nil {
			return nil, fmt.Errorf("join address %q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// peerConfig turns the bound settings into a node configuration. The
// provisioner is left to the caller.
func peerConfig(v *viper.Viper) (node.Config, error) {
	ns, err := storage.ParseNamespaceID(v.GetString("namespace"))
	if err != nil {
		return node.Config{}, fmt.Errorf("--namespace: %w", err)
	}
	id, err := loadPeerID(v.GetString("data-dir"))
	if err != nil {
		return node.Config{}, fmt.Errorf("peer id: %w", err)
	}
	scripts := extproc.DefaultConfig()
	return node.Config{
		Session: cluster.SessionConfig{
			ID:                id,
			Listen:            v.GetString("listen"),
			Advertise:         v.GetString("advertise"),
			Build:             version,
			Compatible:        v.GetString("compatible"),
			HeartbeatInterval: v.GetDuration("heartbeat"),
		},
		Namespace:    ns,
		Scripts:      &scripts,
		ChunkSize:    v.GetInt("chunk-size"),
		ReplyTimeout: v.GetDuration("reply-timeout"),
	}, nil
}

func runPeer(ctx context.Context, v *viper.Viper, logger *zap.Logger) (err error) {
	cfg, err := peerConfig(v)
	if err != nil {
		return err
	}
	seeds, err := parseJoin(v.GetStringSlice("join"))
	if err != nil {
		return err
	}

	prov, err := storage.NewFileProvisioner(v.GetString("data-dir"), v.GetInt("storage-workers"), logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, prov.Close()) }()
	cfg.Provisioner = prov

	peer, err := node.New(cfg, logger)
	if err != nil {
		return err
	}
	logger = logger.With(zap.Stringer("peer", peer.ID()))
	logger.Info("starting peer",
		zap.String("version", version),
		zap.Stringer("address", peer.Session.Address()),
		zap.Stringer("namespace", cfg.Namespace))

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return multierr.Append(err, peer.Close())
	}
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return peer.Run(ctx) })

	if len(seeds) > 0 {
		g.Go(func() error { return join(ctx, peer, seeds, logger) })
	}

	if path := v.GetString("blueprint"); path != "" {
		g.Go(func() error {
			return blueprint.Watch(ctx, path, logger, func(bp blueprint.Blueprint) {
				if err := peer.SetBlueprint(bp); err != nil {
					logger.Warn("rejecting blueprint", zap.String("path", path), zap.Error(err))
				}
			})
		})
	}

	if addr := v.GetString("admin-addr"); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           peer.Handler(reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("admin api listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("peer stopped", zap.Error(err))
	return err
}

// join keeps trying the seeds until one answers. A peer started before its
// seeds are up waits for them rather than failing.
func join(ctx context.Context, peer *node.Peer, seeds []cluster.PeerAddress, logger *zap.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 10 * time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		joinCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := peer.Join(joinCtx, seeds...)
		if err != nil {
			logger.Warn("join failed, retrying", zap.Error(err))
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	logger.Info("joined cluster", zap.Int("seeds", len(seeds)))
	return nil
}
