package deployments

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
)

// exportedMetrics lists the series the services register. Rules may only
// build on these.
var exportedMetrics = map[string]bool{
	"querymesh_http_requests_total":           true,
	"querymesh_http_request_duration_seconds": true,
	"querymesh_http_requests_in_flight":       true,
	"querymesh_compile_total":                 true,
	"querymesh_table_match_fallback_total":    true,
	"querymesh_execute_total":                 true,
	"querymesh_execute_duration_ms":           true,
	"querymesh_execute_rows_total":            true,
	"querymesh_inference_degraded_total":      true,
	"querymesh_inspected_tables":              true,
	"querymesh_schema_refresh_runs_total":     true,
	"querymesh_schema_refresh_sources_total":  true,
	"querymesh_schema_refresh_failures_total": true,
}

func TestPrometheusRulesContainExpectedAlerts(t *testing.T) {
	text := readAsset(t, "querymesh_rules.yaml")

	requiredAlerts := []string{
		"QueryMeshHTTPErrorRateHigh",
		"QueryMeshExecuteLatencyP95High",
		"QueryMeshExecuteErrorsHigh",
		"QueryMeshCompileFailing",
		"QueryMeshSchemaInferenceDegraded",
		"QueryMeshSchemaRefreshFailing",
	}
	for _, alertName := range requiredAlerts {
		if !strings.Contains(text, "alert: "+alertName) {
			t.Fatalf("rules missing alert %q", alertName)
		}
	}

	records := readAsset(t, "querymesh_recording_rules.yaml")
	for _, used := range regexp.MustCompile(`querymesh:[a-z0-9_]+`).FindAllString(text, -1) {
		if !strings.Contains(records, "record: "+used) {
			t.Fatalf("alert references unrecorded series %q", used)
		}
	}
}

func TestRecordingRulesOnlyUseExportedMetrics(t *testing.T) {
	text := readAsset(t, "querymesh_recording_rules.yaml")

	series := regexp.MustCompile(`\b(querymesh_[a-z_]+?)(?:_bucket|_sum|_count)?\b[\[{(]`).FindAllStringSubmatch(text, -1)
	if len(series) == 0 {
		t.Fatal("recording rules reference no metrics")
	}
	for _, match := range series {
		if !exportedMetrics[match[1]] {
			t.Fatalf("recording rules reference unknown metric %q", match[1])
		}
	}
}

func TestPrometheusScrapeExampleContainsMetricsPathAndRules(t *testing.T) {
	text := readAsset(t, "prometheus-scrape.example.yaml")

	for _, token := range []string{
		"metrics_path: /v1/metrics",
		"querymesh_rules.yaml",
		"querymesh_recording_rules.yaml",
		"job_name: querymesh-api",
		"job_name: querymesh-refresher",
	} {
		if !strings.Contains(text, token) {
			t.Fatalf("scrape example missing %q", token)
		}
	}
}

func readAsset(t *testing.T, name string) string {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(repoRoot(t), "deployments", "observability", "prometheus", name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(content)
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), ".."))
}
