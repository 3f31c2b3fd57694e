package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/dreamware/strata/internal/blueprint"
	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/node"
)

const adminTimeout = 10 * time.Second

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Inspect and configure running peers through their admin API",
	}
	bp := &cobra.Command{
		Use:   "blueprint",
		Short: "Show, push or compile blueprints",
	}
	bp.AddCommand(newBlueprintPushCommand(), newBlueprintShowCommand(), newBlueprintCompileCommand())
	cmd.AddCommand(bp, newGetCommand("info", "Show a peer's info"), newGetCommand("directory", "Show every business card a peer knows"))
	return cmd
}

// adminURL turns "host:port" or a full URL into the base URL of a peer's
// admin API.
func adminURL(peer string) string {
	peer = strings.TrimRight(strings.TrimSpace(peer), "/")
	if !strings.Contains(peer, "://") {
		peer = "http://" + peer
	}
	return peer
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newGetCommand(path, short string) *cobra.Command {
	var peer string
	cmd := &cobra.Command{
		Use:   path,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			var out json.RawMessage
			if err := cluster.GetJSON(ctx, adminURL(peer)+"/"+path, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "127.0.0.1:7480", "admin address of the peer")
	return cmd
}

func newBlueprintShowCommand() *cobra.Command {
	var peer string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a peer's current blueprint as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			var bp blueprint.Blueprint
			if err := cluster.GetJSON(ctx, adminURL(peer)+"/blueprint", &bp); err != nil {
				return err
			}
			data, err := blueprint.Marshal(bp)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "127.0.0.1:7480", "admin address of the peer")
	return cmd
}

func newBlueprintPushCommand() *cobra.Command {
	var (
		file  string
		peers []string
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Load a blueprint file and send it to every given peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bp, err := blueprint.Load(file)
			if err != nil {
				return err
			}
			if err := bp.Validate(); err != nil {
				return err
			}
			return pushBlueprint(cmd.Context(), cmd.OutOrStdout(), bp, peers)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "blueprint YAML file")
	cmd.Flags().StringSliceVar(&peers, "peers", nil, "admin addresses of the peers to update")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("peers")
	return cmd
}

// pushBlueprint posts bp to every peer. A peer that refuses does not stop
// the others; the errors are returned together.
func pushBlueprint(ctx context.Context, out io.Writer, bp blueprint.Blueprint, peers []string) error {
	var errs error
	for _, p := range peers {
		pctx, cancel := context.WithTimeout(ctx, adminTimeout)
		err := cluster.PostJSON(pctx, adminURL(p)+"/blueprint", bp, nil)
		cancel()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		fmt.Fprintf(out, "%s: ok\n", p)
	}
	return errs
}

func newBlueprintCompileCommand() *cobra.Command {
	var (
		ids   []string
		peers []string
	)
	cmd := &cobra.Command{
		Use:   "compile DESCRIPTION",
		Short: "Print the blueprint YAML for a compact role description",
		Long: `Compile turns a compact description into a blueprint file.

The description holds one comma separated token per range and one role
letter per peer: p for primary, s for secondary, n for nothing. Peers are
given either by id (--ids) or by admin address (--peers), in which case
their ids are fetched.

  strata admin blueprint compile --peers a:7480,b:7480 ps,sp`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			order, err := peerIDs(cmd.Context(), ids, peers)
			if err != nil {
				return err
			}
			bp, err := blueprint.Compile(args[0], order)
			if err != nil {
				return err
			}
			data, err := blueprint.Marshal(bp)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "peer ids in role letter order")
	cmd.Flags().StringSliceVar(&peers, "peers", nil, "admin addresses in role letter order")
	cmd.MarkFlagsMutuallyExclusive("ids", "peers")
	cmd.MarkFlagsOneRequired("ids", "peers")
	return cmd
}

func peerIDs(ctx context.Context, ids, peers []string) ([]cluster.PeerID, error) {
	var out []cluster.PeerID
	for _, s := range ids {
		id, err := cluster.ParsePeerID(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("peer id %q: %w", s, err)
		}
		out = append(out, id)
	}
	for _, p := range peers {
		pctx, cancel := context.WithTimeout(ctx, adminTimeout)
		var info node.Info
		err := cluster.GetJSON(pctx, adminURL(p)+"/info", &info)
		cancel()
		if err != nil {
			return nil, err
		}
		out = append(out, info.ID)
	}
	return out, nil
}
