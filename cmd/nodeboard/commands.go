package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/creamcroissant/nodeboard/internal/bootstrap"
	"github.com/creamcroissant/nodeboard/internal/config"
	"github.com/creamcroissant/nodeboard/internal/job"
	"github.com/creamcroissant/nodeboard/internal/migrations"
	"github.com/creamcroissant/nodeboard/internal/service"
)

func init() {
	// Migrate
	var migrateCmd = &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Database migration management",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := bootstrap.OpenSQLite(cfg.DB.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Printf("Using DB path: %s\n", cfg.DB.Path)

			action := "up"
			if len(args) > 0 {
				action = args[0]
			}
			switch action {
			case "up":
				return migrations.Up(db)
			case "down":
				return migrations.Down(db)
			case "status":
				return migrations.Status(db)
			default:
				return fmt.Errorf("unknown migrate action %q", action)
			}
		},
	}
	rootCmd.AddCommand(migrateCmd)

	// Admin
	var adminCmd = &cobra.Command{
		Use:   "admin",
		Short: "Administrator accounts",
	}
	var adminEmail, adminPassword string
	var adminCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Create an administrator account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if adminEmail == "" || adminPassword == "" {
				return fmt.Errorf("email and password are required")
			}
			return withApp(cmd.Context(), func(a *app) error {
				user, err := a.services.AdminUser.Create(cmd.Context(), service.AdminUserCreateInput{
					Email:    adminEmail,
					Password: adminPassword,
					IsAdmin:  true,
				})
				if err != nil {
					return describeError(err)
				}
				fmt.Printf("Admin %s created (id %d).\n", user.Email, user.ID)
				return nil
			})
		},
	}
	adminCreateCmd.Flags().StringVar(&adminEmail, "email", "", "Admin email")
	adminCreateCmd.Flags().StringVar(&adminPassword, "password", "", "Admin password")
	adminCmd.AddCommand(adminCreateCmd)
	rootCmd.AddCommand(adminCmd)

	// Job
	var jobCmd = &cobra.Command{
		Use:   "job",
		Short: "Job management",
	}
	jobCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered jobs and their schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "Name\tSchedule")
				for _, status := range a.scheduler.JobStatuses() {
					schedule := status.Schedule
					if schedule == "" {
						schedule = "(manual)"
					}
					fmt.Fprintf(w, "%s\t%s\n", status.Name, schedule)
				}
				return w.Flush()
			})
		},
	})
	jobCmd.AddCommand(&cobra.Command{
		Use:   "run <name>",
		Short: "Run a job once in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				name := args[0]
				fmt.Printf("Running job %s...\n", name)
				start := time.Now()
				if err := a.scheduler.RunNow(cmd.Context(), name); err != nil {
					if errors.Is(err, job.ErrUnknownJob) {
						return fmt.Errorf("unknown job %q, available: %v", name, a.scheduler.Names())
					}
					return fmt.Errorf("job run failed: %w", err)
				}
				fmt.Printf("Job completed in %s.\n", time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	})
	rootCmd.AddCommand(jobCmd)

	// Version
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("NodeBoard %s\n", Version)
			fmt.Printf("Commit: %s\n", Commit)
			fmt.Printf("Build Time: %s\n", BuildTime)
		},
	})
}

// withApp loads config, wires the application and closes it after fn returns.
func withApp(ctx context.Context, fn func(a *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, newLogger(cfg), time.Now().UTC())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// describeError renders validation field errors for terminal output.
func describeError(err error) error {
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		return fmt.Errorf("invalid input: %v", verr.Fields)
	}
	return err
}
