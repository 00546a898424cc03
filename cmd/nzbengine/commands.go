package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/datallboy/nzbengine/internal/api"
	"github.com/datallboy/nzbengine/internal/app"
	"github.com/datallboy/nzbengine/internal/engine"
	"github.com/datallboy/nzbengine/internal/infra/config"
	"github.com/datallboy/nzbengine/internal/nzb"
)

// withEngine runs fn with a ready engine and a context that is cancelled on
// Ctrl+C.
func withEngine(fn func(ctx context.Context, appCtx *app.Context, e *engine.Engine) error) error {
	appCtx, err := setup()
	if err != nil {
		return err
	}
	defer appCtx.Close()

	eng, err := engine.New(appCtx)
	if err != nil {
		return err
	}
	defer eng.Close()

	// Setup Signal Handling for Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, appCtx, eng)
}

func downloadCmd() *cobra.Command {
	var statusAddr string
	var outDir string

	cmd := &cobra.Command{
		Use:   "download <file.nzb>",
		Short: "Download and reassemble every file of an NZB",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, appCtx *app.Context, eng *engine.Engine) error {
				if outDir != "" {
					appCtx.Config.Download.OutDir = outDir
				}

				model, err := nzb.ParseFile(args[0])
				if err != nil {
					return err
				}

				addr := statusAddr
				if addr == "" {
					addr = appCtx.Config.API.StatusAddr
				}
				if addr != "" {
					go func() {
						if err := api.Serve(ctx, addr, appCtx, eng); err != nil {
							appCtx.Logger.Error("%v", err)
						}
					}()
				}

				progressCtx, stopProgress := context.WithCancel(ctx)
				progressDone := make(chan struct{})
				go func() {
					defer close(progressDone)
					eng.StartCLIProgress(progressCtx)
				}()

				name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
				res, err := eng.Download(ctx, model, name)
				stopProgress()
				<-progressDone

				if res != nil {
					for _, f := range res.Files {
						state := "ok"
						if !f.Complete() {
							state = fmt.Sprintf("incomplete (%d missing, %d broken)", f.Missing, f.Broken)
						}
						if f.Damaged > 0 {
							state += fmt.Sprintf(", %d damaged", f.Damaged)
						}
						fmt.Printf("%-50s %10d bytes  %s\n", f.Name, f.Bytes, state)
					}
				}
				if errors.Is(err, context.Canceled) {
					return errors.New("download cancelled by user")
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "serve GET /api/status on this address")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (overrides download.out_dir)")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the newsgroups of the first server that answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, _ *app.Context, eng *engine.Engine) error {
				groups, err := eng.List(ctx)
				if err != nil {
					return err
				}
				for _, g := range groups {
					fmt.Printf("%-60s %12d %12d %12d %s\n", g.Name, g.Low, g.High, g.Count, g.Posting)
				}
				return nil
			})
		},
	}
}

func groupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "group <name>",
		Short: "Show article count and water marks of a newsgroup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, _ *app.Context, eng *engine.Engine) error {
				g, err := eng.GroupInfo(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d articles (%d-%d)\n", g.Name, g.Count, g.Low, g.High)
				return nil
			})
		},
	}
}

func headersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "headers <group> <first-last>",
		Short: "Fetch article overviews into the catalog",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			first, last, err := parseRange(args[1])
			if err != nil {
				return err
			}
			return withEngine(func(ctx context.Context, appCtx *app.Context, eng *engine.Engine) error {
				if err := appCtx.OpenCatalog(); err != nil {
					return err
				}
				res, err := eng.Headers(ctx, args[0], first, last)
				if res != nil {
					fmt.Printf("%s: stored %d records (%d skipped, %d ranges missing)\n",
						res.Group, res.Stored, res.Skipped, res.Missing)
				}
				return err
			})
		},
	}
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Connect to every configured server and ping it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, _ *app.Context, eng *engine.Engine) error {
				failed := 0
				for _, r := range eng.Test(ctx) {
					if r.Err != nil {
						failed++
						fmt.Printf("%-20s FAILED: %v\n", r.Server, r.Err)
						continue
					}
					fmt.Printf("%-20s ok (%s)\n", r.Server, r.Latency)
				}
				if failed > 0 {
					return fmt.Errorf("%d server(s) failed", failed)
				}
				return nil
			})
		},
	}
}

// parseRange parses "first-last" or a single article number.
func parseRange(s string) (uint64, uint64, error) {
	a, b, ok := strings.Cut(s, "-")
	first, err := strconv.ParseUint(a, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range %q", s)
	}
	if !ok {
		return first, first, nil
	}
	last, err := strconv.ParseUint(b, 10, 64)
	if err != nil || last < first {
		return 0, 0, fmt.Errorf("invalid range %q", s)
	}
	return first, last, nil
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with passwords masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := config.Dump(cfg)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
}
