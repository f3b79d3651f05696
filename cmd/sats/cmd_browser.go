package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PaperCranium/BrowserSats/internal/browser"
	"github.com/PaperCranium/BrowserSats/internal/bus"
	"github.com/PaperCranium/BrowserSats/internal/config"
)

var browserCmd = &cobra.Command{
	Use:   "browser",
	Short: "Convert pages in a headless Chrome",
}

var (
	renderScreenshot string
	renderOut        string
)

var browserRenderCmd = &cobra.Command{
	Use:   "render [url]",
	Short: "Load a page, convert it in place and optionally screenshot it",
	Args:  cobra.ExactArgs(1),
	RunE:  browserRender,
}

var watchPoll time.Duration

var browserWatchCmd = &cobra.Command{
	Use:   "watch [url]",
	Short: "Keep a page converted while it loads more content",
	Long: `Opens the page and keeps converting it until interrupted. Elements the page
inserts later are converted as they appear. Toggling with "sats toggle" takes
effect live: disabling reloads the original page.`,
	Args: cobra.ExactArgs(1),
	RunE: browserWatch,
}

func init() {
	browserRenderCmd.Flags().StringVar(&renderScreenshot, "screenshot", "", "Write a full-page PNG here")
	browserRenderCmd.Flags().StringVarP(&renderOut, "out", "o", "", "Write the converted HTML here")
	browserWatchCmd.Flags().DurationVar(&watchPoll, "poll", 250*time.Millisecond, "How often inserted content is collected")
}

func browserConfig(c *config.Config) browser.Config {
	bc := browser.DefaultConfig()
	bc.Headless = c.Browser.Headless
	bc.ViewportWidth = c.Browser.ViewportWidth
	bc.ViewportHeight = c.Browser.ViewportHeight
	bc.NavigationTimeoutMs = int(c.GetNavTimeout().Milliseconds())
	bc.DebuggerURL = c.Browser.ControlURL
	return bc
}

func browserRender(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmdContext(cmd), timeout)
	defer cancel()

	ps, err := openPrices(ctx, cfg)
	if err != nil {
		return err
	}
	defer ps.Close()

	mgr := browser.NewSessionManager(browserConfig(cfg))
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() {
		if err := mgr.Shutdown(context.Background()); err != nil {
			logger.Warn("browser shutdown", zap.Error(err))
		}
	}()

	res, err := mgr.Render(ctx, args[0], browser.RenderOptions{
		Oracle:     ps.oracle,
		Settings:   openSettings(cfg),
		Scanner:    scannerConfig(cfg, nil),
		Exclusions: cfg.Engine.Exclusions,
		Screenshot: renderScreenshot != "",
	})
	if err != nil {
		return err
	}

	if renderOut != "" {
		if err := os.WriteFile(renderOut, []byte(res.HTML), 0644); err != nil {
			return fmt.Errorf("write html: %w", err)
		}
	}
	if renderScreenshot != "" {
		if err := os.WriteFile(renderScreenshot, res.Screenshot, 0644); err != nil {
			return fmt.Errorf("write screenshot: %w", err)
		}
	}

	t := res.Status.Totals
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %d amounts converted (%d text, %d structured)\n",
		args[0], res.Status.Phase, t.Converted+t.Structured, t.Converted, t.Structured)
	return nil
}

func browserWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ps, err := openPrices(ctx, cfg)
	if err != nil {
		return err
	}
	defer ps.Close()

	mgr := browser.NewSessionManager(browserConfig(cfg))
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() {
		if err := mgr.Shutdown(context.Background()); err != nil {
			logger.Warn("browser shutdown", zap.Error(err))
		}
	}()

	settingsStore := openSettings(cfg)
	enabled, err := settingsStore.Enabled(ctx)
	if err != nil {
		logger.Warn("settings unreadable, assuming enabled", zap.Error(err))
		enabled = true
	}

	w, err := mgr.Watch(ctx, args[0], browser.WatchOptions{
		Oracle:       ps.oracle,
		Settings:     settingsStore,
		Scanner:      scannerConfig(cfg, nil),
		Exclusions:   cfg.Engine.Exclusions,
		PollInterval: watchPoll,
	})
	if err != nil {
		return err
	}

	b := bus.New(ps.oracle, settingsStore, nil)
	b.SeedEnabled(enabled)
	defer ps.oracle.Subscribe(b.PriceUpdated)()
	defer bus.Bridge(b, w)()

	watcher, err := settingsStore.Watch(ctx, cfg.GetSettingsDebounce(), b.EnabledChanged)
	if err != nil {
		logger.Warn("settings changes will not be picked up", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	logger.Info("watching", zap.String("url", args[0]), zap.Bool("enabled", enabled))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ps.oracle.Start(gctx)
		return ps.oracle.Run(gctx)
	})
	g.Go(func() error {
		return w.Run(gctx)
	})
	err = g.Wait()
	logger.Info("stopped")
	return err
}
