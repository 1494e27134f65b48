package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pscheid92/sessionlock/internal/backend"
	"github.com/pscheid92/sessionlock/internal/domain"
	"github.com/pscheid92/sessionlock/internal/platform/version"
	"github.com/spf13/cobra"
)

type storeOpener func(ctx context.Context) (backend.Store, func(), error)

type leaseView struct {
	Owner     domain.Owner `json:"owner"`
	SessionID string       `json:"session_id"`
	Heartbeat time.Time    `json:"heartbeat"`
	Age       string       `json:"age"`
	Stale     bool         `json:"stale"`
}

func rootCmd(open storeOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sessionlockctl",
		Short:         "Inspect and repair the shared session lock state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(leaseCmd(open))
	cmd.AddCommand(sessionCmd(open))
	cmd.AddCommand(deviceCmd(open))
	cmd.AddCommand(resetLeaseCmd(open))
	cmd.AddCommand(versionCmd())
	return cmd
}

func withStore(cmd *cobra.Command, open storeOpener, fn func(ctx context.Context, store backend.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, closeStore, err := open(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()
	return fn(ctx, store)
}

func leaseCmd(open storeOpener) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Show the current lease record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, open, func(ctx context.Context, store backend.Store) error {
				raw, ok, err := store.Get(ctx, domain.LeaseKey)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "no lease")
					return nil
				}
				rec, err := domain.DecodeLease(raw)
				if err != nil {
					return err
				}

				now := time.Now()
				view := leaseView{
					Owner:     rec.Owner,
					SessionID: rec.SessionID,
					Heartbeat: rec.HeartbeatTime().UTC(),
					Age:       now.Sub(rec.HeartbeatTime()).Round(time.Millisecond).String(),
					Stale:     rec.IsStale(now, ttl),
				}
				return printJSON(cmd, view)
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 3*time.Second, "lease TTL used to judge staleness")
	return cmd
}

func sessionCmd(open storeOpener) *cobra.Command {
	var clearSession bool
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show or clear the shared session id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, open, func(ctx context.Context, store backend.Store) error {
				if clearSession {
					if err := store.Delete(ctx, domain.SessionIDKey); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "session cleared")
					return nil
				}
				id, ok, err := store.Get(ctx, domain.SessionIDKey)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "no session")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&clearSession, "clear", false, "remove the shared session id, signing out every context")
	return cmd
}

func deviceCmd(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Show the persisted device id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, open, func(ctx context.Context, store backend.Store) error {
				id, ok, err := store.Get(ctx, domain.DeviceIDKey)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "no device id")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}

func resetLeaseCmd(open storeOpener) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset-lease",
		Short: "Delete the lease so the next heartbeat can claim it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to reset the lease without --yes")
			}
			return withStore(cmd, open, func(ctx context.Context, store backend.Store) error {
				if err := store.Delete(ctx, domain.LeaseKey); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "lease reset")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
