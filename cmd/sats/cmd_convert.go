package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PaperCranium/BrowserSats/internal/proxy"
)

var (
	convertPrice float64
	convertHost  string
	convertOut   string
)

var convertCmd = &cobra.Command{
	Use:   "convert [file|url|-]",
	Short: "Rewrite the amounts in one HTML document",
	Long: `Reads an HTML document from a file, an http(s) URL or stdin ("-" or no
argument), converts every recognized amount and writes the result.

Example:
  sats convert https://shop.example/item --out item.html
  echo '<p>$12.99</p>' | sats convert --price 50000`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().Float64Var(&convertPrice, "price", 0, "BTC/USD price to use instead of the oracle")
	convertCmd.Flags().StringVar(&convertHost, "host", "", "Host used for exclusion rules (default: from the URL)")
	convertCmd.Flags().StringVarP(&convertOut, "out", "o", "", "Output file (default: stdout)")
}

func runConvert(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmdContext(cmd), timeout)
	defer cancel()

	src := "-"
	if len(args) == 1 {
		src = args[0]
	}
	body, host, err := openSource(ctx, src, cmd.InOrStdin())
	if err != nil {
		return err
	}
	defer body.Close()
	if convertHost != "" {
		host = convertHost
	}

	price, err := currentPrice(ctx, convertPrice)
	if err != nil {
		return err
	}

	rw := proxy.NewRewriter(rewriterConfig(cfg, nil))
	out, st, err := rw.Rewrite(body, host, price)
	if err != nil {
		return err
	}
	logger.Info("converted",
		zap.String("source", src),
		zap.Float64("price", price),
		zap.Int("text", st.Converted),
		zap.Int("structured", st.Structured),
		zap.Int("parseFailures", st.ParseFailures))

	w := cmd.OutOrStdout()
	if convertOut != "" {
		f, err := os.Create(convertOut)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	_, err = w.Write(out)
	return err
}

// openSource opens a file, URL or stdin and reports the host for
// exclusion rules.
func openSource(ctx context.Context, src string, stdin io.Reader) (io.ReadCloser, string, error) {
	if src == "-" {
		return io.NopCloser(stdin), "", nil
	}
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		u, err := url.Parse(src)
		if err != nil {
			return nil, "", fmt.Errorf("invalid url: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, "", err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("fetch %s: %w", src, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, "", fmt.Errorf("fetch %s: status %d", src, resp.StatusCode)
		}
		return resp.Body, u.Hostname(), nil
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, "", err
	}
	return f, "", nil
}
