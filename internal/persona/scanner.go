package persona

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
)

// MetricsFile is where a persona may leave self-reported metrics for
// the gate when it cannot print them on stdout.
const MetricsFile = ".crewline-metrics.json"

// FileScanner reads a JSON metric map left in the output tree. A
// missing file yields no metrics and no error.
type FileScanner struct{}

func (FileScanner) Scan(ctx context.Context, outputRoot string) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(outputRoot, MetricsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var metrics map[string]float64
	if err := json.Unmarshal(raw, &metrics); err != nil {
		return nil, err
	}
	return metrics, nil
}

// MergeMetrics overlays scanned metrics onto executor-reported ones.
// Scanned values win on conflict.
func MergeMetrics(reported, scanned map[string]float64) map[string]float64 {
	if len(scanned) == 0 {
		return reported
	}
	merged := make(map[string]float64, len(reported)+len(scanned))
	for k, v := range reported {
		merged[k] = v
	}
	for k, v := range scanned {
		merged[k] = v
	}
	return merged
}
