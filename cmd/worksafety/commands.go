package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"worksafety/internal/core"
	"worksafety/internal/infra/persistence/sqlstore"
	"worksafety/internal/library"
	"worksafety/internal/readapi"
	"worksafety/pkg/domain"
)

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func parseDateFlag(s string) (domain.Date, error) {
	if s == "" {
		return domain.Date{}, nil
	}
	return domain.ParseDate(s)
}

// drainTenant processes the tenant's ready triggers in this process.
func drainTenant(ctx context.Context, app *core.App, tenantID string) error {
	if err := app.Reactor.Drain(ctx, tenantID); err != nil {
		return fmt.Errorf("drain %s: %w", tenantID, err)
	}
	return nil
}

type sqlBacked interface {
	DB() *sql.DB
	Dialect() sqlstore.Dialect
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loader.Config()
			storage, err := core.OpenStorage(cmd.Context(), cfg.Storage, nil)
			if err != nil {
				return err
			}
			defer storage.Close()
			db, ok := storage.Domain.(sqlBacked)
			if !ok {
				fmt.Printf("storage driver %s has no schema\n", storage.Driver)
				return nil
			}
			version, err := sqlstore.MigrationVersion(cmd.Context(), db.DB(), db.Dialect())
			if err != nil {
				return err
			}
			fmt.Printf("%s schema at version %d\n", db.Dialect().Name, version)
			return nil
		},
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *core.App) error {
				t, _, err := app.Service.CreateTenant(ctx, domain.Tenant{Name: name})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(t)
				}
				fmt.Println(t.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "tenant name")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *core.App) error {
				var tenants []domain.Tenant
				if err := app.Storage.Domain.View(ctx, func(view domain.TransactionView) error {
					tenants = view.ListTenants()
					return nil
				}); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(tenants)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Bands"})
				for _, t := range tenants {
					bands := "default"
					if len(t.Bands) > 0 {
						bands = fmt.Sprintf("%d custom", len(t.Bands))
					}
					tw.AppendRow(table.Row{t.ID, t.Name, bands})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(create, list)
	return cmd
}

func libraryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "library", Short: "Manage the risk library"}
	var (
		tenants []string
		fromKey bool
		drain   bool
	)
	importCmd := &cobra.Command{
		Use:   "import <path-or-blob-key>",
		Short: "Import a YAML library catalog and link it to tenants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *core.App) error {
				var (
					catalog library.Catalog
					err     error
				)
				if fromKey {
					catalog, err = library.LoadBlob(ctx, app.Blob, args[0])
				} else {
					catalog, err = library.LoadFile(args[0])
				}
				if err != nil {
					return err
				}
				summary, res, err := app.Service.ImportLibrary(ctx, catalog, tenants...)
				if err != nil {
					return err
				}
				for _, v := range res.Violations {
					logger.Warn("library rule", "rule", v.Rule, "entity", v.Entity, "id", v.EntityID, "message", v.Message)
				}
				if drain {
					for _, t := range summary.Tenants {
						if err := drainTenant(ctx, app, t); err != nil {
							return err
						}
					}
				}
				if jsonOutput {
					return printJSON(summary)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Tasks", "Hazards", "Controls", "Activity types", "Site conditions", "Links", "Tenants"})
				tw.AppendRow(table.Row{summary.Tasks, summary.Hazards, summary.Controls, summary.ActivityTypes, summary.SiteConditions, summary.Links, len(summary.Tenants)})
				tw.Render()
				return nil
			})
		},
	}
	importCmd.Flags().StringSliceVar(&tenants, "tenant", nil, "tenant to link (repeatable)")
	importCmd.Flags().BoolVar(&fromKey, "blob", false, "treat the argument as a blob store key")
	importCmd.Flags().BoolVar(&drain, "wait", true, "recompute affected scores before exiting")

	list := &cobra.Command{
		Use:   "list [prefix]",
		Short: "List catalog documents in the blob store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := "library/"
			if len(args) == 1 {
				prefix = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, app *core.App) error {
				infos, err := app.Blob.List(ctx, prefix)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(infos)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Key", "Size", "Modified"})
				for _, info := range infos {
					tw.AppendRow(table.Row{info.Key, info.Size, info.LastModified.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(importCmd, list)
	return cmd
}

func recomputeCmd() *cobra.Command {
	var (
		tenant, kind, id string
		drain            bool
	)
	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Republish the fan-out of one subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := domain.ParseSubjectKind(kind)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, app *core.App) error {
				n, err := app.Reads.Recompute(ctx, tenant, k, id)
				if err != nil {
					return err
				}
				if drain {
					if err := drainTenant(ctx, app, tenant); err != nil {
						return err
					}
				}
				fmt.Printf("published %d triggers\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&kind, "kind", "", "subject kind (task, location, project, activity)")
	cmd.Flags().StringVar(&id, "id", "", "subject id")
	cmd.Flags().BoolVar(&drain, "wait", true, "process the triggers before exiting")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func rebuildCmd() *cobra.Command {
	var (
		tenant string
		drain  bool
	)
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Republish every live project of a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *core.App) error {
				start := time.Now()
				n, err := app.Reads.Rebuild(ctx, tenant)
				if err != nil {
					return err
				}
				if drain {
					if err := drainTenant(ctx, app, tenant); err != nil {
						return err
					}
				}
				fmt.Printf("rebuilt %d triggers in %s\n", n, time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().BoolVar(&drain, "wait", true, "process the triggers before exiting")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func bandsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bands", Short: "Show or replace tenant bands"}
	var tenant, file string
	get := &cobra.Command{
		Use:   "get",
		Short: "Print the effective bands of a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *core.App) error {
				bands, err := app.Reads.Bands(ctx, tenant)
				if err != nil {
					return err
				}
				return printBands(bands)
			})
		},
	}
	set := &cobra.Command{
		Use:   "set",
		Short: "Replace the bands of a tenant from a YAML list",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var bands domain.Bands
			if err := yaml.Unmarshal(raw, &bands); err != nil {
				return fmt.Errorf("parse bands %s: %w", file, err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, app *core.App) error {
				if err := app.Reads.UpdateBands(ctx, tenant, bands); err != nil {
					return err
				}
				return printBands(bands)
			})
		},
	}
	for _, c := range []*cobra.Command{get, set} {
		c.Flags().StringVar(&tenant, "tenant", "", "tenant id")
		_ = c.MarkFlagRequired("tenant")
	}
	set.Flags().StringVar(&file, "file", "", "YAML file with a list of {min, level}")
	_ = set.MarkFlagRequired("file")
	cmd.AddCommand(get, set)
	return cmd
}

func printBands(bands domain.Bands) error {
	if jsonOutput {
		return printJSON(bands)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Min", "Level"})
	for _, b := range bands {
		tw.AppendRow(table.Row{b.Min, b.Level})
	}
	tw.Render()
	return nil
}

func riskCmd() *cobra.Command {
	var tenant, kind, id, from, to string
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Print risk levels of a subject over a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := domain.ParseSubjectKind(kind)
			if err != nil {
				return err
			}
			start, err := parseDateFlag(from)
			if err != nil {
				return err
			}
			end, err := parseDateFlag(to)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, app *core.App) error {
				if start.IsZero() {
					start = app.Reads.Today()
				}
				if end.IsZero() {
					end = start
				}
				if end.Before(start) {
					return errors.New("--to is before --from")
				}
				readings := app.Reads.RiskTimeline(ctx, tenant, k, id, start, end)
				if jsonOutput {
					return printJSON(readings)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Date", "Level", "Score", "Calculated"})
				for _, r := range readings {
					tw.AppendRow(readingRow(r))
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&kind, "kind", "", "subject kind (task, location, project)")
	cmd.Flags().StringVar(&id, "id", "", "subject id")
	cmd.Flags().StringVar(&from, "from", "", "first date (default today)")
	cmd.Flags().StringVar(&to, "to", "", "last date (default --from)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func readingRow(r readapi.DatedReading) table.Row {
	score, at := "", ""
	if r.Score != nil {
		score = fmt.Sprintf("%.2f", *r.Score)
	}
	if r.CalculatedAt != nil {
		at = r.CalculatedAt.Format(time.RFC3339)
	}
	return table.Row{r.Date, r.Level, score, at}
}

func siteConditionsCmd() *cobra.Command {
	var tenant, location, date string
	cmd := &cobra.Command{
		Use:   "site-conditions",
		Short: "List the site conditions of a location",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDateFlag(date)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, app *core.App) error {
				views, err := app.Reads.SiteConditions(ctx, tenant, location, d)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(views)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Library ID", "Handle", "Applicable", "Source", "Stale"})
				for _, v := range views {
					stale := v.Evidence != nil && v.Evidence.Stale
					tw.AppendRow(table.Row{v.LibraryID, v.Handle, v.Applicable, v.Source, stale})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&location, "location", "", "location id")
	cmd.Flags().StringVar(&date, "date", "", "date (default today)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("location")
	return cmd
}
