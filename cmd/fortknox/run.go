package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fortknox/internal/compile"
	"fortknox/internal/config"
	"fortknox/internal/fault"
	"fortknox/internal/management"
	"fortknox/internal/remote"
)

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck // shutdown path

	printBanner(cmd.OutOrStdout(), a.cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mc := a.cfg.Management
	srv := management.New(management.Options{
		BindAddress: mc.BindAddress,
		Port:        mc.Port,
		Token:       mc.Token,
		RateLimit:   mc.RateLimit,
		RateBurst:   mc.RateBurst,
		Status: management.Status{
			EngineID:  a.remote.EngineID(),
			Offline:   remote.IsOffline(a.remote),
			Policies:  a.cfg.PolicySet().IDs(),
			Store:     a.cfg.Store.Driver,
			LeaseMode: a.cfg.Lease.Mode,
			TestMode:  a.cfg.TestMode,
		},
	}, management.Deps{
		Compile:   a.compile,
		Sanitizer: a.sanitizer,
		Items:     a.items,
		Metrics:   a.metrics,
		Log:       a.log,
	})
	err = srv.ListenAndServe(ctx)
	a.log.Info("shutdown", "stopped", zap.Error(err))
	return err
}

type sanitizeLine struct {
	ID          string   `json:"id"`
	Level       string   `json:"sanitize_level,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	Attempts    int      `json:"attempts"`
	Quarantined bool     `json:"quarantined,omitempty"`
	ErrorCode   string   `json:"error_code,omitempty"`
	Reasons     []string `json:"reasons,omitempty"`
	Masked      string   `json:"masked_text,omitempty"`
}

func runSanitize(cmd *cobra.Command, opts *rootOptions, paths []string, showMasked bool) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck // read-only path

	ids, err := a.ingest(paths)
	if err != nil {
		return err
	}
	results, err := a.sanitizeAll(cmd.Context(), ids)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := 0
	for _, r := range results {
		line := sanitizeLine{ID: r.ID, Attempts: r.Attempts, Categories: r.Categories, Quarantined: r.Quarantined, Reasons: r.Reasons}
		if r.Err != nil {
			failed++
			line.ErrorCode = string(fault.KindOf(r.Err))
		} else {
			line.Level = r.Level.String()
			if showMasked {
				it, err := a.items.Item(cmd.Context(), r.ID)
				if err != nil {
					return err
				}
				line.Masked = it.MaskedText
			}
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d items quarantined or failed", failed, len(results))
	}
	return nil
}

func runCompile(cmd *cobra.Command, opts *rootOptions, paths []string, policy, template string, asJSON bool) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck // store closes after the report is written

	ids, err := a.ingest(paths)
	if err != nil {
		return err
	}
	if _, err := a.sanitizeAll(cmd.Context(), ids); err != nil {
		return err
	}
	r, err := a.compile.Compile(cmd.Context(), compile.Request{PolicyID: policy, TemplateID: template, Items: ids})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	_, err = fmt.Fprintln(out, r.Content)
	return err
}

func printBanner(w io.Writer, cfg *config.Config) {
	upstreamProxy := os.Getenv("HTTPS_PROXY")
	if upstreamProxy == "" {
		upstreamProxy = os.Getenv("HTTP_PROXY")
	}
	if upstreamProxy == "" {
		upstreamProxy = "(direct; set HTTP_PROXY or HTTPS_PROXY to chain upstream)"
	}
	endpoint := cfg.Remote.Endpoint
	switch {
	case cfg.TestMode:
		endpoint = "(fixture engine, test mode)"
	case endpoint == "":
		endpoint = "(none; compiles served from stored reports only)"
	}

	fmt.Fprintf(w, `
╔══════════════════════════════════════════════════════╗
║          fortknox  (Go)                              ║
╚══════════════════════════════════════════════════════╝
  API             : %s:%d
  Engine          : %s (%s)
  Endpoint        : %s
  Upstream proxy  : %s
  Report store    : %s
  Lease mode      : %s
  Auth            : %v

  Check status:
    curl http://%s:%d/status
`, cfg.Management.BindAddress, cfg.Management.Port,
		cfg.EngineID, cfg.Remote.Kind,
		endpoint,
		upstreamProxy,
		cfg.Store.Driver,
		cfg.Lease.Mode,
		cfg.Management.Token != "",
		cfg.Management.BindAddress, cfg.Management.Port)
}
