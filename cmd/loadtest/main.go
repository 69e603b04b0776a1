// Command loadtest drives signed key imports against a running gateway and tracks latency regressions.
package main

import (
	"context"
	gocrypto "crypto"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/byok-gateway/internal/client"
	"github.com/kenneth/byok-gateway/internal/crypto"
	"github.com/kenneth/byok-gateway/internal/signature"
)

func main() {
	var (
		gatewayURL      = flag.String("gateway-url", "http://localhost:8080", "BYOK gateway URL")
		adminKey        = flag.String("admin-key", os.Getenv("BYOK_ADMIN_KEY"), "Admin API key")
		duration        = flag.Duration("duration", 30*time.Second, "Test duration")
		workers         = flag.Int("workers", 5, "Number of worker goroutines")
		qps             = flag.Int("qps", 2, "Imports per second per worker")
		signerKeyPath   = flag.String("signer-key", "", "PEM private key matching the gateway's verification certificate")
		customerKeyPath = flag.String("customer-key", "", "PEM private key imported on every request")
		keyPrefix       = flag.String("key-prefix", "loadtest", "Prefix for generated key names")
		keyOps          = flag.String("key-ops", "sign,verify", "Comma-separated key operations")
		actionGroups    = flag.String("action-groups", "", "Comma-separated action groups for the key alerts")
		tsFormat        = flag.String("timestamp-format", string(signature.FormatRFC3339), "Timestamp format: rfc3339|en-us")
		baselineDir     = flag.String("baseline-dir", "testdata/baselines", "Directory for baseline files")
		threshold       = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		prometheusURL   = flag.String("prometheus-url", "", "Prometheus URL for additional metrics")
		verbose         = flag.Bool("verbose", false, "Enable verbose logging")
		updateBaseline  = flag.Bool("update-baseline", false, "Update baseline files instead of checking regression")
	)

	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	if *signerKeyPath == "" || *customerKeyPath == "" {
		log.Fatal("--signer-key and --customer-key are required")
	}
	signerKey, err := readKey(*signerKeyPath)
	if err != nil {
		log.Fatalf("Failed to load signer key: %v", err)
	}
	customerKey, err := readKey(*customerKeyPath)
	if err != nil {
		log.Fatalf("Failed to load customer key: %v", err)
	}
	format, err := signature.ParseTimestampFormat(*tsFormat)
	if err != nil {
		log.Fatal(err)
	}

	c, err := client.New(*gatewayURL,
		client.WithAdminKey(*adminKey),
		client.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
		client.WithLogger(logger),
	)
	if err != nil {
		log.Fatal(err)
	}

	if err := os.MkdirAll(*baselineDir, 0755); err != nil {
		log.Fatalf("Failed to create baseline directory: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("=== BYOK Gateway Load Test Runner ===")
	fmt.Printf("Gateway URL: %s\n", *gatewayURL)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("QPS per Worker: %d\n", *qps)
	fmt.Printf("Regression Threshold: %.1f%%\n", *threshold)
	if *prometheusURL != "" {
		fmt.Printf("Prometheus URL: %s\n", *prometheusURL)
	}
	fmt.Println()

	baselineFile := filepath.Join(*baselineDir, "import_load_test_baseline.json")
	config := ImportLoadTestConfig{
		NumWorkers:   *workers,
		Duration:     *duration,
		QPS:          *qps,
		KeyPrefix:    *keyPrefix,
		KeyOps:       splitList(*keyOps),
		ActionGroups: splitList(*actionGroups),
		CustomerKey:  customerKey,
		Signer:       client.Signer{Key: signerKey, Format: format},
	}
	if *updateBaseline {
		config.BaselineFile = baselineFile
	}

	if err := run(ctx, gatewayImporter{c: c}, config, baselineFile, *threshold, *prometheusURL, *updateBaseline, logger); err != nil {
		fmt.Printf("Load test failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, target Importer, config ImportLoadTestConfig, baselineFile string, threshold float64,
	prometheusURL string, updateBaseline bool, logger *logrus.Logger) error {

	results, err := RunImportLoadTest(ctx, target, config, logger)
	if err != nil {
		return fmt.Errorf("import load test failed: %w", err)
	}

	PrintLoadTestResults(os.Stdout, results)

	if prometheusURL != "" {
		promMetrics, err := QueryPrometheusMetrics(ctx, prometheusURL, time.Now(), logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to query Prometheus metrics")
		} else {
			fmt.Println("--- Prometheus Metrics ---")
			for metric, value := range promMetrics {
				fmt.Printf("%s: %v\n", metric, value)
			}
			fmt.Println()
		}
	}

	if updateBaseline {
		fmt.Println("Baseline updated for import load test")
		return nil
	}

	regression, err := AnalyzeRegression(results, baselineFile, threshold)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Println("No baseline found - run with --update-baseline to create one")
			return nil
		}
		return fmt.Errorf("regression analysis failed: %w", err)
	}

	PrintRegressionResult(os.Stdout, regression)

	if regression.SignificantRegression {
		return fmt.Errorf("significant regression detected in import load test")
	}

	fmt.Println("Import load test passed")
	return nil
}

func readKey(path string) (gocrypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return crypto.ParsePrivateKeyPEM(data)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
