package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-tether/v1/config"
	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/lock"
	"github.com/mirkobrombin/go-tether/v1/namespace"
	"github.com/mirkobrombin/go-tether/v1/presets"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect and manage context leases",
	Long: `Acquire, release and list the leases held on a context. The context is
addressed by tag within lock.project_path, or directly with --key. With the
in-memory lease table a lease lives only as long as the command; use the
redis backend to share leases between processes.`,
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire <tag>",
	Short: "Acquire a lease on a context",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLockAcquire,
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release <tag>",
	Short: "Release the owner's leases on a context",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLockRelease,
}

var lockStatusCmd = &cobra.Command{
	Use:   "status <tag>",
	Short: "List the live leases on a context",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLockStatus,
}

func init() {
	lockCmd.PersistentFlags().String("key", "", "context key (overrides tag)")
	lockCmd.PersistentFlags().String("owner", "", "lease owner id")
	lockAcquireCmd.Flags().String("op", string(lock.OpWrite), "operation: read, write or delete")
	lockAcquireCmd.Flags().Duration("ttl", 0, "lease time-to-live (default lock.ttl_ms)")
	lockAcquireCmd.Flags().Duration("wait", 0, "keep retrying for this long when the lease is held")

	lockCmd.AddCommand(lockAcquireCmd, lockReleaseCmd, lockStatusCmd)
}

// openLocks loads the configuration and the lease manager, returning the
// addressed context key.
func openLocks(cmd *cobra.Command, args []string) (*config.Config, *presets.Stack, string, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, "", err
	}
	key, _ := cmd.Flags().GetString("key")
	if key == "" {
		tag := namespace.General
		if len(args) == 1 {
			tag = args[0]
		}
		key = namespace.ContextKey(cfg.Lock.ProjectPath, tag)
	}
	stack, err := presets.Open(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, "", err
	}
	return cfg, stack, key, nil
}

func ownerFlag(cmd *cobra.Command) (string, error) {
	owner, _ := cmd.Flags().GetString("owner")
	if owner == "" {
		return "", errors.New("tether: --owner is required")
	}
	return owner, nil
}

func runLockAcquire(cmd *cobra.Command, args []string) error {
	owner, err := ownerFlag(cmd)
	if err != nil {
		return err
	}
	opName, _ := cmd.Flags().GetString("op")
	op := lock.Op(opName)
	if !op.Valid() {
		return fmt.Errorf("tether: unknown operation %q", opName)
	}
	cfg, stack, key, err := openLocks(cmd, args)
	if err != nil {
		return err
	}
	defer stack.Close()

	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		ttl = cfg.Lock.TTL()
	}
	mgr := stack.Manager()
	if wait, _ := cmd.Flags().GetDuration("wait"); wait > 0 {
		ctx, cancel := context.WithTimeout(cmd.Context(), wait)
		defer cancel()
		if err := mgr.WaitAcquire(ctx, key, owner, op, ttl, ttl/10); err != nil {
			return err
		}
	} else {
		ok, err := mgr.Acquire(cmd.Context(), key, owner, op, ttl)
		if err != nil {
			return err
		}
		if !ok {
			conflicts, _ := mgr.Conflicts(cmd.Context(), key, owner)
			return fmt.Errorf("%w: %s lease on %s held by %d other owner(s)", tethererrors.ErrLockDenied, op, key, len(conflicts))
		}
	}
	leases, err := mgr.Leases(cmd.Context(), key)
	if err != nil {
		return err
	}
	for _, l := range leases {
		if l.OwnerID == owner && l.Operation == op {
			return printJSON(cmd, l)
		}
	}
	return fmt.Errorf("tether: lease on %s expired before it could be read", key)
}

func runLockRelease(cmd *cobra.Command, args []string) error {
	owner, err := ownerFlag(cmd)
	if err != nil {
		return err
	}
	_, stack, key, err := openLocks(cmd, args)
	if err != nil {
		return err
	}
	defer stack.Close()
	if err := stack.Manager().Release(cmd.Context(), key, owner); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released %s for %s\n", key, owner)
	return nil
}

func runLockStatus(cmd *cobra.Command, args []string) error {
	_, stack, key, err := openLocks(cmd, args)
	if err != nil {
		return err
	}
	defer stack.Close()
	leases, err := stack.Manager().Leases(cmd.Context(), key)
	if err != nil {
		return err
	}
	return printJSON(cmd, struct {
		ContextKey string       `json:"contextKey"`
		Leases     []lock.Lease `json:"leases"`
		CheckedAt  time.Time    `json:"checkedAt"`
	}{key, leases, time.Now().UTC()})
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
