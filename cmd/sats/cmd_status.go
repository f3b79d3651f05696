package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/PaperCranium/BrowserSats/internal/proxy"
)

var statusRemote string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show price, conversion rate and whether conversion is on",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRemote, "remote", "", "Query a running `sats serve` at this base URL instead")
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#f7931a"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(14)
	valueStyle = lipgloss.NewStyle().Bold(true)
	onStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	offStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#f7931a")).Padding(0, 1)
)

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmdContext(cmd), timeout)
	defer cancel()

	var st proxy.Status
	var err error
	if statusRemote != "" {
		st, err = remoteStatus(ctx, statusRemote)
	} else {
		st, err = localStatus(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderStatus(st))
	return nil
}

func localStatus(ctx context.Context) (proxy.Status, error) {
	var st proxy.Status
	enabled, err := openSettings(cfg).Enabled(ctx)
	if err != nil {
		return st, err
	}
	st.Enabled = enabled
	if price, err := currentPrice(ctx, 0); err == nil {
		st.Price = &price
		if n, ok := proxy.SatsPerDollar(price); ok {
			st.SatsPerDollar = &n
		}
	}
	return st, nil
}

func remoteStatus(ctx context.Context, base string) (proxy.Status, error) {
	var st proxy.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+proxy.ControlPrefix+"status", nil)
	if err != nil {
		return st, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, fmt.Errorf("query %s: %w", base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("query %s: status %d", base, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func renderStatus(st proxy.Status) string {
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
	}

	price := "Price unavailable"
	perDollar := "-"
	if st.Price != nil {
		price = valueStyle.Render("$" + humanize.CommafWithDigits(*st.Price, 2))
	}
	if st.SatsPerDollar != nil {
		perDollar = valueStyle.Render(humanize.Comma(*st.SatsPerDollar) + " sats")
	}
	state := offStyle.Render(statusLine(false))
	if st.Enabled {
		state = onStyle.Render(statusLine(true))
	}

	rows := []string{
		titleStyle.Render("Sats Converter"),
		row("Bitcoin", price),
		row("1 USD", perDollar),
		row("Status", state),
	}
	if st.Upstream != "" {
		rows = append(rows,
			row("Upstream", st.Upstream),
			row("Pages", fmt.Sprintf("%d rewritten, %d unchanged, %d skipped, %d errors",
				st.Pages.Rewritten, st.Pages.Unchanged, st.Pages.Skipped, st.Pages.Errors)),
			row("Clients", fmt.Sprint(st.Clients)),
		)
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}
