package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/bogdanfinn/tls-client/profiles"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"form-automation/audio"
	"form-automation/challenge"
	"form-automation/config"
	"form-automation/driver"
	"form-automation/fetch"
	"form-automation/form"
	"form-automation/identity"
	"form-automation/logger"
	"form-automation/metrics"
	"form-automation/ratelimit"
	"form-automation/session"
	"form-automation/speech"
	"form-automation/stealth"
	"form-automation/storage"
)

var (
	configFile  string
	verbose     bool
	headless    bool
	metricsAddr string
)

// errFetchFailed makes the process exit non-zero when a page could not be fetched
var errFetchFailed = errors.New("fetch failed")

func main() {
	var rootCmd = &cobra.Command{
		Use:           "form-automation",
		Short:         "Browser page fetching and form submission",
		Long:          `Fetches pages in a real browser, fills and submits forms, and passes reCAPTCHA v2 checkbox and audio challenges, rotating proxies and user agents between attempts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./config/config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", true, "Run browser in headless mode")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	rootCmd.AddCommand(createFetchCmd())
	rootCmd.AddCommand(createStatusCmd())
	rootCmd.AddCommand(createProxiesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if fe, ok := session.AsFatal(err); ok {
		color.New(color.FgRed).Fprintf(os.Stderr, "Fatal: %v\n", fe)
		return fe.Code
	}
	if !errors.Is(err, errFetchFailed) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return session.ExitFailure
}

type fetchFlags struct {
	url         string
	waitCSS     string
	waitClass   string
	waitTimeout time.Duration
	fields      []string
	submit      string
	verify      string
	challenge   string
	batch       string
}

func createFetchCmd() *cobra.Command {
	var f fetchFlags

	var cmd = &cobra.Command{
		Use:   "fetch",
		Short: "Fetch a page, fill its form and resolve its challenge",
		Long: `Fetch a page in the browser. Optionally wait for an element, fill form fields in order,
submit, and pass a reCAPTCHA challenge. Failed attempts reset the browser with a new identity.`,
		Example: `  form-automation fetch --url https://example.com/signup --wait-css form \
    --field '#email=me@example.com' --submit 'button[type=submit]' --verify '.welcome|Thanks' --challenge v2
  form-automation fetch --batch requests.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd.Context(), f)
		},
	}

	cmd.Flags().StringVar(&f.url, "url", "", "Page URL")
	cmd.Flags().StringVar(&f.waitCSS, "wait-css", "", "CSS selector of the element that marks the page as loaded")
	cmd.Flags().StringVar(&f.waitClass, "wait-class", "", "Class the --wait-css element must carry")
	cmd.Flags().DurationVar(&f.waitTimeout, "wait-timeout", 0, "How long to wait for the element (default from config)")
	cmd.Flags().StringArrayVar(&f.fields, "field", nil, "Form field as css=text; repeat in fill order")
	cmd.Flags().StringVar(&f.submit, "submit", "", "CSS selector of the submit button")
	cmd.Flags().StringVar(&f.verify, "verify", "", "Submission check as css or css|text")
	cmd.Flags().StringVar(&f.challenge, "challenge", "", "Challenge on the page: v2, v3 or image")
	cmd.Flags().StringVar(&f.batch, "batch", "", "YAML file with a list of requests")

	return cmd
}

func createStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show status and statistics",
		Long:  `Display configuration, today's fetch statistics and the most recent results.`,
		RunE:  runStatus,
	}
}

func createProxiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proxies",
		Short: "List the loaded proxies and user agents",
		RunE:  runProxies,
	}
}

// Command runners

func runFetch(ctx context.Context, f fetchFlags) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setupLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	log := logger.GetLogger()

	requests, err := buildRequests(f)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	lists, err := identity.Load(cfg.Identity.UserAgentsFile, cfg.Identity.ProxiesFile, log)
	if err != nil {
		return fmt.Errorf("failed to load identity lists: %w", err)
	}

	sm := stealth.NewStealthManager(convertConfigToStealth(cfg.Stealth), log)
	engine := form.NewEngine(form.Config{
		CheckTimeout: cfg.Form.CheckTimeout,
		PollInterval: cfg.Fetch.PollInterval,
	}, sm, log)

	resolvers := challenge.NewResolvers(nil, log)
	if needsChallenge(requests) {
		v2, err := buildRecaptchaV2(cfg, engine, sm, log)
		if err != nil {
			return err
		}
		resolvers = challenge.NewResolvers(v2, log)
	}

	controller := session.NewController(session.Config{
		Headless:               headless && cfg.Browser.Headless,
		BrowserPath:            cfg.Browser.Path,
		ImplicitWait:           cfg.Browser.ImplicitWait,
		UserDataDir:            cfg.Browser.UserDataDir,
		UseUserAgent:           cfg.Identity.UseUserAgent,
		UseProxy:               cfg.Identity.UseProxy,
		RotateUserAgentOnReset: cfg.Session.RotateUserAgentOnReset,
	}, lists, sm, log)
	defer controller.Close()

	limiter := ratelimit.NewRateLimiter(convertConfigToLimits(cfg.Limits), log)
	orchestrator := fetch.NewOrchestrator(fetch.Config{
		MaxRetry:           cfg.Fetch.MaxRetry,
		WaitTimeout:        cfg.Fetch.WaitTimeout,
		PollInterval:       cfg.Fetch.PollInterval,
		ChangeProxyOnRetry: cfg.Session.ChangeProxyOnRetry,
	}, controller, engine, resolvers, sm, log).
		WithPacer(limiter)

	collector := metrics.NewCollector()
	orchestrator.WithObserver(collector)
	if addr := firstNonEmpty(metricsAddr, cfg.Metrics.Addr); addr != "" {
		shutdown := serveMetrics(addr, collector, log)
		defer shutdown()
	}

	if cfg.Storage.Enabled {
		db, err := storage.NewDatabase(cfg.Storage.Path, log)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()
		orchestrator.WithObserver(storage.NewHistory(db))
	}

	results, err := orchestrator.FetchBatch(ctx, requests)
	log.WithFields(logrus.Fields(limiter.GetStats())).Info("Fetch pacing")
	printResults(results)
	if err != nil {
		return err
	}
	for _, r := range results {
		if !r.Success {
			return errFetchFailed
		}
	}
	if len(results) < len(requests) {
		return errFetchFailed
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setupLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}

	db, err := storage.NewDatabase(cfg.Storage.Path, logger.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	stats, err := db.GetDailyStats(time.Now())
	if err != nil {
		return fmt.Errorf("failed to get daily stats: %w", err)
	}
	recent, err := db.RecentResults(10)
	if err != nil {
		return fmt.Errorf("failed to get recent results: %w", err)
	}

	title := color.New(color.Bold)
	title.Printf("Form Automation Status\n")
	fmt.Printf("======================\n\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Config file: %s\n", configFile)
	fmt.Printf("  Headless: %v\n", headless && cfg.Browser.Headless)
	fmt.Printf("  Max retry: %d\n", cfg.Fetch.MaxRetry)
	fmt.Printf("  Speech API key: %s\n", maskSecret(cfg.Speech.APIKey))
	fmt.Printf("\n")
	fmt.Printf("Today (UTC):\n")
	fmt.Printf("  Fetches: %d (succeeded %d, failed %d)\n", stats["fetches"], stats["succeeded"], stats["failed"])
	fmt.Printf("  Attempts: %d\n", stats["attempts"])
	fmt.Printf("  Challenges solved: %d\n", stats["challenges_solved"])
	fmt.Printf("\n")
	fmt.Printf("Limits per host:\n")
	fmt.Printf("  Hourly fetches: %d\n", cfg.Limits.HourlyFetches)
	fmt.Printf("  Daily fetches: %d\n", cfg.Limits.DailyFetches)

	if len(recent) > 0 {
		fmt.Printf("\nRecent:\n")
		for _, r := range recent {
			fmt.Printf("  %s  %s  %s (%d attempts)\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"), statusLabel(r.Success), r.URL, r.Attempts)
		}
	}
	return nil
}

func runProxies(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setupLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}

	lists, err := identity.Load(cfg.Identity.UserAgentsFile, cfg.Identity.ProxiesFile, logger.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to load identity lists: %w", err)
	}

	fmt.Printf("Proxies (%d) from %s:\n", len(lists.Proxies), cfg.Identity.ProxiesFile)
	for _, p := range lists.Proxies {
		fmt.Printf("  %s\n", identity.Display(p))
	}
	fmt.Printf("User agents (%d) from %s:\n", len(lists.UserAgents), cfg.Identity.UserAgentsFile)
	if len(lists.UserAgents) == 0 {
		fmt.Printf("  none, synthetic user agents will be generated\n")
	}
	for _, ua := range lists.UserAgents {
		fmt.Printf("  %s\n", ua)
	}
	return nil
}

// Helper functions

func setupLogger(cfg config.LoggingConfig) error {
	level := cfg.Level
	if verbose {
		level = "debug"
	}
	return logger.InitLogger(level, cfg.Format, cfg.Output, cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge)
}

func buildRecaptchaV2(cfg *config.Config, engine *form.Engine, sm *stealth.StealthManager, log *logrus.Logger) (*challenge.RecaptchaV2, error) {
	converter := audio.NewConverter(cfg.Audio.FFmpegPath, cfg.Audio.SampleRate)
	if _, err := converter.Check(); err != nil {
		return nil, session.NewFatalError(session.ExitConverterMissing, err)
	}

	client, err := audio.NewClientWithProfile("", profiles.DefaultClientProfile, cfg.Audio.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	recognizer := speech.NewGoogle(speech.GoogleConfig{
		Endpoint:   cfg.Speech.Endpoint,
		APIKey:     cfg.Speech.APIKey,
		Language:   cfg.Speech.Language,
		SampleRate: cfg.Audio.SampleRate,
	}, client, log)

	downloader := audio.NewDownloader(func(proxyURL string) (speech.Doer, error) {
		return audio.NewClientWithProfile(proxyURL, profiles.DefaultClientProfile, cfg.Audio.Timeout)
	}, log)
	pipeline := audio.NewPipeline(downloader, converter, recognizer, log)

	v2cfg := challenge.DefaultV2Config()
	v2cfg.SearchAttempts = cfg.Challenge.SearchAttempts
	v2cfg.MaxAudioAttempts = cfg.Challenge.MaxAudioAttempts
	return challenge.NewRecaptchaV2(v2cfg, engine, sm, pipeline, log), nil
}

func needsChallenge(reqs []fetch.PageRequest) bool {
	for _, r := range reqs {
		if r.Challenge != nil {
			return true
		}
	}
	return false
}

// buildRequests turns the command line into requests, from --batch or from the single-page flags
func buildRequests(f fetchFlags) ([]fetch.PageRequest, error) {
	if f.batch != "" {
		if f.url != "" {
			return nil, fmt.Errorf("--batch and --url are mutually exclusive")
		}
		return loadBatch(f.batch)
	}
	if f.url == "" {
		return nil, fmt.Errorf("--url or --batch is required")
	}

	req := fetch.PageRequest{URL: f.url, WaitTimeout: f.waitTimeout}
	if f.waitClass != "" && f.waitCSS == "" {
		return nil, fmt.Errorf("--wait-class needs --wait-css")
	}
	if f.waitCSS != "" {
		req.Wait = &fetch.WaitSpec{Locator: driver.CSS(f.waitCSS), Class: f.waitClass}
	}
	for _, raw := range f.fields {
		field, err := parseField(raw)
		if err != nil {
			return nil, err
		}
		req.Fields = append(req.Fields, field)
	}
	if f.submit != "" {
		loc := driver.CSS(f.submit)
		req.Submit = &loc
	}
	if f.verify != "" {
		req.Verify = parseVerify(f.verify)
	}
	if f.challenge != "" {
		t, ok := challenge.ParseType(f.challenge)
		if !ok {
			return nil, fmt.Errorf("unknown challenge type %q", f.challenge)
		}
		req.Challenge = &challenge.Spec{Type: t}
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return []fetch.PageRequest{req}, nil
}

func parseField(raw string) (form.Field, error) {
	selector, text, ok := strings.Cut(raw, "=")
	selector = strings.TrimSpace(selector)
	if !ok || selector == "" {
		return form.Field{}, fmt.Errorf("invalid --field %q, expected css=text", raw)
	}
	return form.Field{Locator: driver.CSS(selector), Text: text}, nil
}

func parseVerify(raw string) *form.Check {
	selector, text, _ := strings.Cut(raw, "|")
	return &form.Check{Locator: driver.CSS(strings.TrimSpace(selector)), Text: text}
}

type batchFile struct {
	Requests []fetch.PageRequest `yaml:"requests"`
}

func loadBatch(path string) ([]fetch.PageRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}

	var batch batchFile
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to parse batch file: %w", err)
	}
	if len(batch.Requests) == 0 {
		return nil, fmt.Errorf("batch file %s has no requests", path)
	}

	for i := range batch.Requests {
		req := &batch.Requests[i]
		if req.Challenge != nil {
			if t, ok := challenge.ParseType(string(req.Challenge.Type)); ok {
				req.Challenge.Type = t
			}
		}
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("request %d: %w", i+1, err)
		}
	}
	return batch.Requests, nil
}

func serveMetrics(addr string, collector *metrics.Collector, log *logrus.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics server stopped")
		}
	}()
	log.WithField("addr", addr).Info("Serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func printResults(results []*fetch.Result) {
	for _, r := range results {
		fmt.Printf("%s %s (%d attempts, %s)\n", statusLabel(r.Success), r.URL, r.Attempts, r.Duration.Round(time.Second))
		if r.Outcome != nil {
			fmt.Printf("  challenge: %s after %d transcriptions\n", r.Outcome.State, r.Outcome.Attempts)
		}
		if !r.Success && r.LastError != nil {
			fmt.Printf("  last error: %v\n", r.LastError)
		}
	}
}

func statusLabel(ok bool) string {
	if ok {
		return color.GreenString("OK  ")
	}
	return color.RedString("FAIL")
}

func convertConfigToStealth(cfg config.StealthConfig) stealth.StealthConfig {
	t := cfg.Timing
	return stealth.StealthConfig{
		Enabled: cfg.Enabled,
		MouseMovement: stealth.MouseMovementConfig{
			MinOffset: cfg.MinOffset,
			MaxOffset: cfg.MaxOffset,
		},
		Timing: stealth.TimingConfig{
			Navigate:  stealth.Range{Min: t.NavigateMin, Max: t.NavigateMax},
			Field:     stealth.Range{Min: t.FieldMin, Max: t.FieldMax},
			Pointer:   stealth.Range{Min: t.PointerMin, Max: t.PointerMax},
			Challenge: stealth.Range{Min: t.ChallengeMin, Max: t.ChallengeMax},
			Settle:    t.Settle,
		},
		Fingerprint: stealth.FingerprintConfig{
			RandomViewport:    cfg.Fingerprint.RandomViewport,
			MinViewportWidth:  cfg.Fingerprint.MinViewportWidth,
			MaxViewportWidth:  cfg.Fingerprint.MaxViewportWidth,
			MinViewportHeight: cfg.Fingerprint.MinViewportHeight,
			MaxViewportHeight: cfg.Fingerprint.MaxViewportHeight,
		},
	}
}

func convertConfigToLimits(cfg config.LimitsConfig) ratelimit.Config {
	return ratelimit.Config{
		MinDelay:       cfg.MinDelay,
		MaxDelay:       cfg.MaxDelay,
		HourlyFetches:  cfg.HourlyFetches,
		DailyFetches:   cfg.DailyFetches,
		BurstLimit:     cfg.BurstLimit,
		BurstWindow:    cfg.BurstWindow,
		RandomizeDelay: cfg.RandomizeDelay,
		JitterPercent:  cfg.JitterPercent,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
