package gpu

import "testing"

func TestUsagePercent(t *testing.T) {
	info := Info{
		MemoryTotalBytes: 64 * 1024 * 1024 * 1024,
		MemoryUsedBytes:  48 * 1024 * 1024 * 1024,
	}
	if got := info.UsagePercent(); got != 75.0 {
		t.Errorf("UsagePercent() = %.1f, want 75.0", got)
	}
}

func TestUsagePercentZeroTotal(t *testing.T) {
	info := Info{}
	if got := info.UsagePercent(); got != 0 {
		t.Errorf("UsagePercent() = %.1f, want 0", got)
	}
}

func TestPrecheckWithoutGPU(t *testing.T) {
	if Available() {
		t.Skip("host has an NVIDIA GPU; precheck-failure path not exercised here")
	}
	if err := Precheck("lidar-driver"); err == nil {
		t.Fatal("expected Precheck to fail without a GPU")
	}
}

func TestQueryNowWithoutGPU(t *testing.T) {
	if Available() {
		t.Skip("host has an NVIDIA GPU; no-GPU error path not exercised here")
	}
	if _, err := QueryNow(); err == nil {
		t.Fatal("expected QueryNow to fail without a GPU")
	}
}
