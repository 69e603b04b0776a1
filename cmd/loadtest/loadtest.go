package main

import (
	"context"
	gocrypto "crypto"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	promapi "github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/byok-gateway/internal/api"
	"github.com/kenneth/byok-gateway/internal/client"
	"github.com/kenneth/byok-gateway/internal/crypto"
)

// Importer is the part of the gateway client the load test drives.
type Importer interface {
	GenerateKEK(ctx context.Context, name string) (*transferKEK, error)
	ImportKey(ctx context.Context, req api.KeyRequest) error
}

// ImportLoadTestConfig holds configuration for import load testing.
type ImportLoadTestConfig struct {
	NumWorkers   int
	Duration     time.Duration
	QPS          int // Per worker
	KeyPrefix    string
	KeyOps       []string
	ActionGroups []string
	// CustomerKey is wrapped afresh for every request so that no two requests sign the same payload.
	CustomerKey gocrypto.PrivateKey
	Signer      client.Signer
	// BaselineFile stores the metrics of this run when set.
	BaselineFile string
}

// LoadTestMetrics holds comprehensive metrics for regression tracking.
type LoadTestMetrics struct {
	Timestamp          time.Time        `json:"timestamp"`
	TestName           string           `json:"test_name"`
	Duration           time.Duration    `json:"duration"`
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	FailedRequests     int64            `json:"failed_requests"`
	P50Latency         time.Duration    `json:"p50_latency"`
	P95Latency         time.Duration    `json:"p95_latency"`
	P99Latency         time.Duration    `json:"p99_latency"`
	AvgLatency         time.Duration    `json:"avg_latency"`
	MinLatency         time.Duration    `json:"min_latency"`
	MaxLatency         time.Duration    `json:"max_latency"`
	Throughput         float64          `json:"throughput_req_per_sec"`
	ErrorRate          float64          `json:"error_rate"`
	ErrorsByCode       map[string]int64 `json:"errors_by_code,omitempty"`
}

// RegressionResult holds the result of regression analysis.
type RegressionResult struct {
	TestName              string
	BaselineMetrics       *LoadTestMetrics
	CurrentMetrics        *LoadTestMetrics
	LatencyRegression     float64 // Percentage change in latency
	ThroughputRegression  float64 // Percentage change in throughput
	ErrorRateRegression   float64 // Percentage points
	SignificantRegression bool
	Details               []string
}

type transferKEK struct {
	ID     string
	Public *rsa.PublicKey
}

// gatewayImporter adapts client.Client to Importer.
type gatewayImporter struct {
	c *client.Client
}

func (g gatewayImporter) GenerateKEK(ctx context.Context, name string) (*transferKEK, error) {
	info, err := g.c.GenerateKEK(ctx, name)
	if err != nil {
		return nil, err
	}
	pub, err := crypto.ParseRSAPublicKeyPEM([]byte(info.PublicKeyPEM))
	if err != nil {
		return nil, err
	}
	return &transferKEK{ID: info.ID, Public: pub}, nil
}

func (g gatewayImporter) ImportKey(ctx context.Context, req api.KeyRequest) error {
	_, err := g.c.ImportKey(ctx, req)
	return err
}

// RunImportLoadTest imports uniquely named keys from NumWorkers goroutines for Duration.
func RunImportLoadTest(ctx context.Context, target Importer, config ImportLoadTestConfig, logger *logrus.Logger) (*LoadTestMetrics, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}
	if config.NumWorkers <= 0 || config.QPS <= 0 {
		return nil, fmt.Errorf("workers and qps must be positive")
	}

	logger.WithFields(logrus.Fields{
		"workers":  config.NumWorkers,
		"duration": config.Duration,
		"qps":      config.QPS,
	}).Info("Starting import load test")

	runID := uuid.NewString()[:8]
	kek, err := target.GenerateKEK(ctx, fmt.Sprintf("%s-kek-%s", config.KeyPrefix, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to generate KEK: %w", err)
	}

	results := &LoadTestMetrics{
		TestName:     "import_load_test",
		MinLatency:   time.Hour,
		ErrorsByCode: map[string]int64{},
	}

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		latencies   []time.Duration
		total       atomic.Int64
		succeeded   atomic.Int64
		failed      atomic.Int64
		wrapper     = crypto.NewKeyWrapper()
		interval    = time.Second / time.Duration(config.QPS)
		runCtx, end = context.WithTimeout(ctx, config.Duration)
	)
	defer end()
	if interval <= 0 {
		interval = time.Millisecond
	}

	startTime := time.Now()
	for i := 0; i < config.NumWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for n := 0; ; n++ {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
				}

				ciphertext, err := wrapper.WrapPrivateKey(kek.Public, config.CustomerKey)
				if err != nil {
					logger.WithError(err).Error("Failed to wrap key")
					return
				}
				req := api.KeyRequest{
					Name:          fmt.Sprintf("%s-%s-%d-%d", config.KeyPrefix, runID, workerID, n),
					KeyOperations: config.KeyOps,
					ActionGroups:  config.ActionGroups,
				}
				if err := config.Signer.SignEncryptedKey(&req, kek.ID, ciphertext); err != nil {
					logger.WithError(err).Error("Failed to sign request")
					return
				}

				reqStart := time.Now()
				// In-flight requests finish even when the run window closes.
				err = target.ImportKey(context.WithoutCancel(runCtx), req)
				latency := time.Since(reqStart)
				total.Add(1)

				if err != nil {
					failed.Add(1)
					mu.Lock()
					results.ErrorsByCode[errorCode(err)]++
					mu.Unlock()
					logger.WithError(err).WithField("key", req.Name).Debug("Import failed")
					continue
				}
				succeeded.Add(1)

				mu.Lock()
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	results.Timestamp = time.Now()
	results.Duration = time.Since(startTime)
	results.TotalRequests = total.Load()
	results.SuccessfulRequests = succeeded.Load()
	results.FailedRequests = failed.Load()
	summarize(results, latencies)

	if config.BaselineFile != "" {
		if err := saveBaselineMetrics(results, config.BaselineFile); err != nil {
			logger.WithError(err).Warn("Failed to save baseline metrics")
		}
	}
	return results, nil
}

func errorCode(err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code != "" {
			return apiErr.Code
		}
		return fmt.Sprintf("HTTP%d", apiErr.StatusCode)
	}
	return "transport"
}

func summarize(results *LoadTestMetrics, latencies []time.Duration) {
	if len(latencies) > 0 {
		sorted := slices.Clone(latencies)
		slices.Sort(sorted)

		results.AvgLatency = calculateAverageLatency(sorted)
		results.P50Latency = calculatePercentileLatency(sorted, 0.5)
		results.P95Latency = calculatePercentileLatency(sorted, 0.95)
		results.P99Latency = calculatePercentileLatency(sorted, 0.99)
		results.MinLatency = sorted[0]
		results.MaxLatency = sorted[len(sorted)-1]
	} else {
		results.MinLatency = 0
	}

	if results.Duration > 0 {
		results.Throughput = float64(results.TotalRequests) / results.Duration.Seconds()
	}
	if results.TotalRequests > 0 {
		results.ErrorRate = float64(results.FailedRequests) / float64(results.TotalRequests)
	}
}

func calculateAverageLatency(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, lat := range latencies {
		total += lat
	}
	return total / time.Duration(len(latencies))
}

// calculatePercentileLatency expects sorted input.
func calculatePercentileLatency(sorted []time.Duration, percentile float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)-1) * percentile)
	return sorted[index]
}

func saveBaselineMetrics(metrics *LoadTestMetrics, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

func loadBaselineMetrics(filename string) (*LoadTestMetrics, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var metrics LoadTestMetrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

// AnalyzeRegression compares current metrics against baseline and detects regressions.
func AnalyzeRegression(current *LoadTestMetrics, baselineFile string, threshold float64) (*RegressionResult, error) {
	baseline, err := loadBaselineMetrics(baselineFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline metrics: %w", err)
	}

	result := &RegressionResult{
		TestName:        current.TestName,
		BaselineMetrics: baseline,
		CurrentMetrics:  current,
		Details:         []string{},
	}

	if baseline.AvgLatency > 0 {
		latencyChange := float64(current.AvgLatency-baseline.AvgLatency) / float64(baseline.AvgLatency) * 100
		result.LatencyRegression = latencyChange
		if latencyChange > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Latency regression: %.2f%% (threshold: %.2f%%)", latencyChange, threshold))
		}
	}

	if baseline.Throughput > 0 {
		throughputChange := (current.Throughput - baseline.Throughput) / baseline.Throughput * 100
		result.ThroughputRegression = throughputChange
		if -throughputChange > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Throughput regression: %.2f%% (threshold: %.2f%%)", throughputChange, threshold))
		}
	}

	errorRateChange := current.ErrorRate - baseline.ErrorRate
	result.ErrorRateRegression = errorRateChange * 100
	if errorRateChange > threshold/100 {
		result.SignificantRegression = true
		result.Details = append(result.Details, fmt.Sprintf("Error rate increased by %.2f percentage points", errorRateChange*100))
	}

	return result, nil
}

// PrintLoadTestResults prints load test results.
func PrintLoadTestResults(w io.Writer, results *LoadTestMetrics) {
	fmt.Fprintf(w, "\n=== %s Results ===\n", results.TestName)
	fmt.Fprintf(w, "Timestamp: %s\n", results.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "Duration: %v\n", results.Duration)
	fmt.Fprintf(w, "Total Requests: %d\n", results.TotalRequests)
	fmt.Fprintf(w, "Successful: %d\n", results.SuccessfulRequests)
	fmt.Fprintf(w, "Failed: %d\n", results.FailedRequests)
	fmt.Fprintf(w, "Error Rate: %.2f%%\n", results.ErrorRate*100)
	fmt.Fprintf(w, "Throughput: %.2f req/s\n", results.Throughput)
	fmt.Fprintf(w, "Latency (avg): %v\n", results.AvgLatency)
	fmt.Fprintf(w, "Latency (p50): %v\n", results.P50Latency)
	fmt.Fprintf(w, "Latency (p95): %v\n", results.P95Latency)
	fmt.Fprintf(w, "Latency (p99): %v\n", results.P99Latency)
	fmt.Fprintf(w, "Min Latency: %v\n", results.MinLatency)
	fmt.Fprintf(w, "Max Latency: %v\n", results.MaxLatency)

	if len(results.ErrorsByCode) > 0 {
		fmt.Fprintf(w, "\n--- Errors ---\n")
		codes := make([]string, 0, len(results.ErrorsByCode))
		for code := range results.ErrorsByCode {
			codes = append(codes, code)
		}
		slices.Sort(codes)
		for _, code := range codes {
			fmt.Fprintf(w, "%s: %d\n", code, results.ErrorsByCode[code])
		}
	}
	fmt.Fprintf(w, "==============================\n\n")
}

// PrintRegressionResult prints regression analysis results.
func PrintRegressionResult(w io.Writer, result *RegressionResult) {
	fmt.Fprintf(w, "\n=== Regression Analysis for %s ===\n", result.TestName)
	fmt.Fprintf(w, "Significant Regression: %t\n", result.SignificantRegression)
	fmt.Fprintf(w, "Latency Regression: %.2f%%\n", result.LatencyRegression)
	fmt.Fprintf(w, "Throughput Regression: %.2f%%\n", result.ThroughputRegression)
	fmt.Fprintf(w, "Error Rate Regression: %.2f percentage points\n", result.ErrorRateRegression)

	if len(result.Details) > 0 {
		fmt.Fprintf(w, "\nDetails:\n")
		for _, detail := range result.Details {
			fmt.Fprintf(w, "- %s\n", detail)
		}
	}
	fmt.Fprintf(w, "=====================================\n\n")
}

// prometheusQueries are evaluated at the end of a run against the gateway's own metrics.
var prometheusQueries = map[string]string{
	"http_request_duration_p95": `histogram_quantile(0.95, sum by (le) (rate(http_request_duration_seconds_bucket{path="` + api.PathImport + `"}[5m])))`,
	"upload_step_duration_p95":  `histogram_quantile(0.95, sum by (le) (rate(byok_step_duration_seconds_bucket{step="upload"}[5m])))`,
	"operations_failed_rate":    `sum(rate(byok_operations_total{state!="committed"}[5m]))`,
	"dependency_errors_rate":    `sum(rate(byok_dependency_errors_total[5m]))`,
	"compensations_rate":        `sum(rate(byok_compensations_total[5m]))`,
	"memory_alloc_bytes":        `avg_over_time(memory_alloc_bytes[5m])`,
}

// QueryPrometheusMetrics queries Prometheus for gateway metrics at endTime.
func QueryPrometheusMetrics(ctx context.Context, prometheusURL string, endTime time.Time, logger *logrus.Logger) (map[string]float64, error) {
	c, err := promapi.NewClient(promapi.Config{Address: prometheusURL})
	if err != nil {
		return nil, err
	}
	v1api := v1.NewAPI(c)

	results := make(map[string]float64)
	for name, query := range prometheusQueries {
		value, warnings, err := v1api.Query(ctx, query, endTime)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", name, err)
		}
		if len(warnings) > 0 {
			logger.WithField("query", name).Warnf("Prometheus warnings: %v", warnings)
		}
		if vector, ok := value.(model.Vector); ok && len(vector) > 0 {
			results[name] = float64(vector[0].Value)
		}
	}
	return results, nil
}
