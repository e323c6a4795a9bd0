package httpapi

import (
	"bufio"
	"os"
	"strings"
)

// CPUFeatures reports the vector-instruction flags relevant to CPU
// inference throughput.
type CPUFeatures struct {
	AVX2       bool `json:"avx2"`
	AVX512     bool `json:"avx512"`
	AVX512BF16 bool `json:"avx512bf16"`
}

// DetectCPUFeatures parses /proc/cpuinfo's first "flags" line for
// AVX2/AVX-512/AVX512BF16 support. Missing or unreadable /proc/cpuinfo
// yields all-false rather than an error.
func DetectCPUFeatures() CPUFeatures {
	var feats CPUFeatures

	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return feats
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 64*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "flags") {
			continue
		}
		upper := strings.ToUpper(line)
		feats.AVX2 = strings.Contains(upper, "AVX2")
		feats.AVX512 = strings.Contains(upper, "AVX512")
		feats.AVX512BF16 = strings.Contains(upper, "AVX512_BF16")
		break
	}
	return feats
}
