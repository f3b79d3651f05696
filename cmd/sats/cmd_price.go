package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/PaperCranium/BrowserSats/internal/oracle"
	"github.com/PaperCranium/BrowserSats/internal/proxy"
)

var (
	priceRefresh bool
	priceHistory int
)

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Show the current BTC/USD reference price",
	RunE:  runPrice,
}

func init() {
	priceCmd.Flags().BoolVar(&priceRefresh, "refresh", false, "Fetch a fresh price even if the cached one is current")
	priceCmd.Flags().IntVar(&priceHistory, "history", 0, "Also list the last N recorded prices")
}

func runPrice(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmdContext(cmd), timeout)
	defer cancel()

	ps, err := openPrices(ctx, cfg)
	if err != nil {
		return err
	}
	defer ps.Close()

	var q oracle.Quote
	if priceRefresh {
		q, err = ps.oracle.Refresh(ctx)
	} else {
		q, err = ps.oracle.Quote(ctx)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "1 BTC = $%s (%s, %s)\n", humanize.CommafWithDigits(q.Price, 2), q.Source, humanize.Time(q.FetchedAt))
	if n, ok := proxy.SatsPerDollar(q.Price); ok {
		fmt.Fprintf(out, "1 USD = %s sats\n", humanize.Comma(n))
	}

	if priceHistory > 0 {
		hist, err := ps.store.History(ctx, priceHistory)
		if err != nil {
			return err
		}
		for _, h := range hist {
			fmt.Fprintf(out, "  %s  $%s  %s\n", h.FetchedAt.Local().Format(time.DateTime), humanize.CommafWithDigits(h.Price, 2), h.Source)
		}
	}
	return nil
}
