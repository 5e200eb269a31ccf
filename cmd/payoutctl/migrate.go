package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"ms-payouts/internal/app"
	"ms-payouts/internal/database/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}
	run := func(fn func(r *migrations.Runner, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(_ context.Context, a *app.App) error {
				r := a.Migrations()
				defer r.Close()
				return fn(r, args)
			})
		}
	}
	version := func(arg string) (uint64, error) {
		v, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("version must be a positive integer: %w", err)
		}
		return v, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: run(func(r *migrations.Runner, _ []string) error {
			if err := r.Up(); err != nil {
				return err
			}
			return printVersion(r)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		RunE: run(func(r *migrations.Runner, _ []string) error {
			return r.Down()
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "to [version]",
		Short: "Migrate up or down to a version",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(r *migrations.Runner, args []string) error {
			v, err := version(args[0])
			if err != nil {
				return err
			}
			if err := r.To(uint(v)); err != nil {
				return err
			}
			return printVersion(r)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "force [version]",
		Short: "Record a version without running it, clearing a dirty state",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(r *migrations.Runner, args []string) error {
			v, err := version(args[0])
			if err != nil {
				return err
			}
			return r.Force(int(v))
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: run(func(r *migrations.Runner, _ []string) error {
			return printVersion(r)
		}),
	})
	return cmd
}

func printVersion(r *migrations.Runner) error {
	v, dirty, err := r.Version()
	if err != nil {
		return err
	}
	fmt.Printf("schema version %d (dirty: %t)\n", v, dirty)
	return nil
}
