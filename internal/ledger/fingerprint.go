package ledger

import "fmt"

// Fingerprint builds the stable host identifier the ledger is scoped to:
// GPU name + VRAM total + RAM total (spec glossary, "Fingerprint"). gpuName
// is empty on CPU-only hosts, which still yields a valid, if GPU-less,
// fingerprint.
func Fingerprint(gpuName string, vramTotalMB, ramTotalMB float64) string {
	return fmt.Sprintf("%s:%.0f:%.0f", gpuName, vramTotalMB, ramTotalMB)
}
