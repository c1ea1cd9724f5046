package jobs

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DefaultWorkers != 4 {
		t.Errorf("expected DefaultWorkers 4, got %d", cfg.DefaultWorkers)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("expected MaxRetries 3, got %d", cfg.MaxRetries)
	}
	if cfg.RetryBaseDelay != 2*time.Second {
		t.Errorf("expected RetryBaseDelay 2s, got %v", cfg.RetryBaseDelay)
	}
	if cfg.MaxSlice != 24*time.Hour {
		t.Errorf("expected MaxSlice 24h, got %v", cfg.MaxSlice)
	}
	if cfg.BackfillSliceDays != 7 {
		t.Errorf("expected BackfillSliceDays 7, got %d", cfg.BackfillSliceDays)
	}
	if cfg.PostProcessRetries != 2 {
		t.Errorf("expected PostProcessRetries 2, got %d", cfg.PostProcessRetries)
	}
}

func TestConfigFromEnv(t *testing.T) {
	tests := []struct {
		name        string
		envs        map[string]string
		wantWorkers int
		wantRetries int
		wantSlice   time.Duration
	}{
		{
			name:        "defaults",
			envs:        map[string]string{},
			wantWorkers: 4,
			wantRetries: 3,
			wantSlice:   24 * time.Hour,
		},
		{
			name: "custom values",
			envs: map[string]string{
				"INGEST_JOB_DEFAULT_WORKERS": "8",
				"INGEST_JOB_MAX_RETRIES":     "0",
				"INGEST_JOB_MAX_SLICE_HOURS": "6",
			},
			wantWorkers: 8,
			wantRetries: 0,
			wantSlice:   6 * time.Hour,
		},
		{
			name: "invalid values ignored",
			envs: map[string]string{
				"INGEST_JOB_DEFAULT_WORKERS": "abc",
				"INGEST_JOB_MAX_RETRIES":     "-1",
				"INGEST_JOB_MAX_SLICE_HOURS": "0",
			},
			wantWorkers: 4,
			wantRetries: 3,
			wantSlice:   24 * time.Hour,
		},
		{
			name: "default workers clamped to max",
			envs: map[string]string{
				"INGEST_JOB_DEFAULT_WORKERS": "16",
				"INGEST_JOB_MAX_WORKERS":     "10",
			},
			wantWorkers: 10,
			wantRetries: 3,
			wantSlice:   24 * time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envs {
				t.Setenv(k, v)
			}
			cfg := ConfigFromEnv()
			if cfg.DefaultWorkers != tt.wantWorkers {
				t.Errorf("DefaultWorkers = %d, want %d", cfg.DefaultWorkers, tt.wantWorkers)
			}
			if cfg.MaxRetries != tt.wantRetries {
				t.Errorf("MaxRetries = %d, want %d", cfg.MaxRetries, tt.wantRetries)
			}
			if cfg.MaxSlice != tt.wantSlice {
				t.Errorf("MaxSlice = %v, want %v", cfg.MaxSlice, tt.wantSlice)
			}
		})
	}
}
