// Package optimizer picks Cloud Run resource shapes per framework class
// and estimates the monthly bill for them. The tables are deliberately
// coarse; the point is a sane default, not a capacity plan.
package optimizer

import "strings"

// ResourceConfig is the resource shape passed through to the serverless
// platform. CPU is a vCPU count as a string because that is what the
// Cloud Run API takes.
type ResourceConfig struct {
	CPU          string
	Memory       string
	Concurrency  int
	MinInstances int
	MaxInstances int
}

// CostEstimate is a rough monthly bill for a given request volume.
type CostEstimate struct {
	Requests       int
	CPUMonthly     float64
	MemoryMonthly  float64
	RequestMonthly float64
	TotalMonthly   float64
}

var defaultConfig = ResourceConfig{
	CPU:          "1",
	Memory:       "512Mi",
	Concurrency:  80,
	MinInstances: 0,
	MaxInstances: 10,
}

// frameworkConfigs overrides the default per framework class. Keys are
// lowercase framework names as the analyzer reports them.
var frameworkConfigs = map[string]ResourceConfig{
	"gin":        {CPU: "1", Memory: "256Mi", Concurrency: 200, MinInstances: 0, MaxInstances: 10},
	"express":    {CPU: "1", Memory: "512Mi", Concurrency: 100, MinInstances: 0, MaxInstances: 10},
	"flask":      {CPU: "1", Memory: "512Mi", Concurrency: 80, MinInstances: 0, MaxInstances: 10},
	"fastapi":    {CPU: "1", Memory: "512Mi", Concurrency: 100, MinInstances: 0, MaxInstances: 10},
	"django":     {CPU: "1", Memory: "1Gi", Concurrency: 60, MinInstances: 0, MaxInstances: 10},
	"nextjs":     {CPU: "1", Memory: "1Gi", Concurrency: 80, MinInstances: 0, MaxInstances: 10},
	"springboot": {CPU: "2", Memory: "1Gi", Concurrency: 80, MinInstances: 0, MaxInstances: 10},
	"rails":      {CPU: "1", Memory: "1Gi", Concurrency: 60, MinInstances: 0, MaxInstances: 10},
}

// ConfigFor returns the resource shape for a framework. Unknown
// frameworks get the default shape.
func ConfigFor(framework string) ResourceConfig {
	if cfg, ok := frameworkConfigs[strings.ToLower(strings.TrimSpace(framework))]; ok {
		return cfg
	}
	return defaultConfig
}

// Per-unit prices, us-central1 tier 1, USD. Good enough for an estimate
// shown in chat; billing-exact numbers come from the billing API, which
// is out of scope here.
const (
	cpuSecondPrice    = 0.000024
	gibSecondPrice    = 0.0000025
	perMillionRequest = 0.40

	// Assumed average request duration for the estimate.
	avgRequestSeconds = 0.2
)

// EstimateMonthlyCost prices a resource shape at the given monthly
// request volume.
func EstimateMonthlyCost(cfg ResourceConfig, requests int) CostEstimate {
	cpus := parseCPU(cfg.CPU)
	gib := parseMemoryGiB(cfg.Memory)

	// Billable instance-seconds: requests spread across instances at the
	// configured concurrency.
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	instanceSeconds := float64(requests) * avgRequestSeconds / float64(concurrency)

	est := CostEstimate{
		Requests:       requests,
		CPUMonthly:     instanceSeconds * cpus * cpuSecondPrice,
		MemoryMonthly:  instanceSeconds * gib * gibSecondPrice,
		RequestMonthly: float64(requests) / 1_000_000 * perMillionRequest,
	}
	est.TotalMonthly = est.CPUMonthly + est.MemoryMonthly + est.RequestMonthly
	return est
}

func parseCPU(s string) float64 {
	switch strings.TrimSpace(s) {
	case "2":
		return 2
	case "4":
		return 4
	default:
		return 1
	}
}

func parseMemoryGiB(s string) float64 {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasSuffix(s, "Gi"):
		switch strings.TrimSuffix(s, "Gi") {
		case "2":
			return 2
		case "4":
			return 4
		default:
			return 1
		}
	case strings.HasSuffix(s, "Mi"):
		switch strings.TrimSuffix(s, "Mi") {
		case "128":
			return 0.125
		case "256":
			return 0.25
		default:
			return 0.5
		}
	default:
		return 0.5
	}
}
