package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/formmapper/api/schemas"
	"github.com/xkilldash9x/formmapper/internal/browser/cdp"
	"github.com/xkilldash9x/formmapper/internal/browser/static"
	"github.com/xkilldash9x/formmapper/internal/config"
	"github.com/xkilldash9x/formmapper/internal/llmclient"
	"github.com/xkilldash9x/formmapper/internal/observability"
	"github.com/xkilldash9x/formmapper/internal/oracle"
	"github.com/xkilldash9x/formmapper/internal/orchestrator"
	"github.com/xkilldash9x/formmapper/internal/store"
)

type mapOptions struct {
	urls         []string
	formName     string
	out          string
	oracleScript string
	static       bool
	persist      bool
	seed         int64
	maxDepth     int
	headless     bool
}

func newMapCmd() *cobra.Command {
	var opts mapOptions

	mapCmd := &cobra.Command{
		Use:   "map --url <form url> [--url <form url>...]",
		Short: "Explore one or more forms and write their mapping documents.",
		Long: `Explores each form URL in its own browser session, asking the oracle which
fields to fill and which branches to follow, and writes <form>_mapping.json
for every run. With --persist the runs are also stored in PostgreSQL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(opts.headless)
			}
			if cmd.Flags().Changed("max-depth") {
				cfg.SetExplorationMaxDepth(opts.maxDepth)
			}
			if cmd.Flags().Changed("seed") {
				cfg.SetExplorationSeed(opts.seed)
			}
			if opts.oracleScript != "" {
				cfg.SetOracleScript(opts.oracleScript)
			}
			ctx := cmd.Context()

			var st schemas.Store
			if opts.persist {
				s, closeStore, err := openStore(ctx, cfg)
				if err != nil {
					return err
				}
				defer closeStore()
				if err := s.Migrate(ctx); err != nil {
					return err
				}
				st = s
			}
			return runMap(ctx, cmd.OutOrStdout(), cfg, opts, st)
		},
	}

	mapCmd.Flags().StringArrayVarP(&opts.urls, "url", "u", nil, "form URL to map (repeatable)")
	mapCmd.Flags().StringVar(&opts.formName, "form-name", "", "artifact name (default derived from the URL)")
	mapCmd.Flags().StringVarP(&opts.out, "out", "o", "", "output directory, or - for stdout (default output.dir)")
	mapCmd.Flags().StringVar(&opts.oracleScript, "oracle-script", "", "YAML rule file used instead of the language model")
	mapCmd.Flags().BoolVar(&opts.static, "static", false, "use the static HTML driver instead of Chrome")
	mapCmd.Flags().BoolVar(&opts.persist, "persist", false, "store finished runs in the configured database")
	mapCmd.Flags().Int64Var(&opts.seed, "seed", 0, "seed for the seeded branch selection policy")
	mapCmd.Flags().IntVar(&opts.maxDepth, "max-depth", 0, "maximum branch depth")
	mapCmd.Flags().BoolVar(&opts.headless, "headless", true, "run Chrome headless")
	_ = mapCmd.MarkFlagRequired("url")
	return mapCmd
}

// mapOutcome is one finished run as reported to the user.
type mapOutcome struct {
	name   string
	path   string
	result *orchestrator.Result
}

// runMap explores every URL and writes its document. Runs are saved to st when it is not nil.
func runMap(ctx context.Context, stdout io.Writer, cfg config.Interface, opts mapOptions, st schemas.Store) error {
	logger := observability.GetLogger()

	dir := opts.out
	if dir == "" {
		dir = cfg.Output().Dir
	}
	if dir == "-" && len(opts.urls) > 1 {
		return fmt.Errorf("--out - accepts a single --url")
	}
	names, err := formNames(opts.urls, opts.formName)
	if err != nil {
		return err
	}

	orc, closeOracle, err := buildOracle(logger, cfg)
	if err != nil {
		return err
	}
	defer closeOracle()

	var (
		g        errgroup.Group
		outMu    sync.Mutex
		outcomes = make([]mapOutcome, len(opts.urls))
	)
	g.SetLimit(cfg.Browser().Concurrency)
	for i, startURL := range opts.urls {
		g.Go(func() error {
			res, err := mapOne(ctx, observability.RunLogger(names[i], startURL), cfg, orc, opts.static, startURL)
			if err != nil {
				return fmt.Errorf("%s: %w", startURL, err)
			}
			outcomes[i] = mapOutcome{name: names[i], result: res}

			if dir == "-" {
				outMu.Lock()
				err = writeDocument(stdout, res.Document, cfg.Output().Indent)
				outMu.Unlock()
			} else {
				outcomes[i].path, err = saveDocument(dir, names[i], res.Document, cfg.Output().Indent)
			}
			if err != nil {
				return err
			}

			if st != nil {
				rec := &schemas.RunRecord{
					RunID:     res.RunID,
					FormName:  names[i],
					StartURL:  startURL,
					Complete:  res.Complete,
					Reason:    res.Reason,
					Document:  res.Document,
					CreatedAt: time.Now(),
				}
				if err := st.SaveRun(ctx, rec); err != nil {
					return fmt.Errorf("failed to persist run %s: %w", res.RunID, err)
				}
			}
			return nil
		})
	}
	err = g.Wait()

	for _, o := range outcomes {
		if o.result == nil {
			continue
		}
		logger.Info("Mapping written.",
			zap.String("form", o.name),
			zap.String("run_id", o.result.RunID),
			zap.String("path", o.path),
			zap.Int("entries", len(o.result.Document.Entries)),
			zap.Bool("complete", o.result.Complete),
			zap.String("reason", string(o.result.Reason)))
	}
	return err
}

// openStore connects to database.url.
func openStore(ctx context.Context, cfg config.Interface) (*store.Store, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	st, err := store.New(ctx, pool, observability.GetLogger())
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return st, pool.Close, nil
}

// mapOne explores a single form in a session of its own.
func mapOne(ctx context.Context, logger *zap.Logger, cfg config.Interface, orc schemas.Oracle, useStatic bool, startURL string) (*orchestrator.Result, error) {
	driver, err := newDriver(ctx, logger, cfg, useStatic)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := driver.Close(closeCtx); err != nil {
			logger.Warn("Failed to close browser session.", zap.Error(err))
		}
	}()

	o, err := orchestrator.New(logger, driver, orc, cfg)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, startURL), nil
}

func newDriver(ctx context.Context, logger *zap.Logger, cfg config.Interface, useStatic bool) (schemas.Driver, error) {
	if useStatic {
		client := &http.Client{Timeout: cfg.Browser().NavigationTimeout}
		d, err := static.New(logger, static.HTTPLoader(client))
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	d, err := cdp.New(ctx, logger, cfg.Browser())
	if err != nil {
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	return d, nil
}

// buildOracle returns the scripted oracle when a script is configured and the
// language-model oracle otherwise.
func buildOracle(logger *zap.Logger, cfg config.Interface) (schemas.Oracle, func(), error) {
	if scriptPath := cfg.Oracle().Script; scriptPath != "" {
		script, err := oracle.LoadScript(scriptPath)
		if err != nil {
			return nil, nil, err
		}
		o, err := oracle.NewScriptedOracle(logger, script)
		if err != nil {
			return nil, nil, err
		}
		return o, func() {
			logger.Debug("Oracle script rule hits.", zap.Any("hits", o.Hits()))
		}, nil
	}

	router, err := llmclient.NewRouterFromConfig(cfg.Oracle(), logger)
	if err != nil {
		return nil, nil, err
	}
	o, err := oracle.NewLLMOracle(logger, router, cfg.Oracle())
	if err != nil {
		_ = router.Close()
		return nil, nil, err
	}
	return o, func() {
		if err := router.Close(); err != nil {
			logger.Warn("Failed to close LLM clients.", zap.Error(err))
		}
	}, nil
}

var unsafeName = regexp.MustCompile(`[^a-z0-9_-]+`)

// formNames picks one artifact name per URL. An explicit name gets a numeric
// suffix when several URLs are mapped.
func formNames(urls []string, explicit string) ([]string, error) {
	names := make([]string, len(urls))
	seen := make(map[string]int, len(urls))
	for i, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return nil, fmt.Errorf("invalid form url %q", raw)
		}
		name := explicit
		if name == "" {
			name = nameFromURL(u)
		}
		name = strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(name), "_"), "_")
		if name == "" {
			name = "form"
		}
		seen[name]++
		if n := seen[name]; n > 1 || (explicit != "" && len(urls) > 1) {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		names[i] = name
	}
	return names, nil
}

func nameFromURL(u *url.URL) string {
	base := path.Base(strings.TrimSuffix(u.Path, "/"))
	if base == "." || base == "/" || base == "" {
		return u.Hostname()
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

func saveDocument(dir, name string, doc schemas.MappingDocument, indent bool) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	p := filepath.Join(dir, name+"_mapping.json")
	f, err := os.Create(p)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", p, err)
	}
	if err := writeDocument(f, doc, indent); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", p, err)
	}
	return p, nil
}

func writeDocument(w io.Writer, doc schemas.MappingDocument, indent bool) error {
	var (
		b   []byte
		err error
	)
	if indent {
		b, err = json.MarshalIndent(doc, "", "  ")
	} else {
		b, err = json.Marshal(doc)
	}
	if err != nil {
		return fmt.Errorf("failed to encode mapping document: %w", err)
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}
