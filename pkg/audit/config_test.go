package audit

import (
	"testing"
)

func TestDefaultAuditConfig(t *testing.T) {
	cfg := DefaultAuditConfig()

	if cfg.RetentionDays != 90 {
		t.Errorf("expected RetentionDays 90, got %d", cfg.RetentionDays)
	}
	if !cfg.Enabled {
		t.Error("expected Enabled to be true")
	}
}

func TestAuditConfigFromEnv(t *testing.T) {
	tests := []struct {
		name          string
		envs          map[string]string
		wantRetention int
		wantEnabled   bool
	}{
		{
			name:          "defaults",
			envs:          map[string]string{},
			wantRetention: 90,
			wantEnabled:   true,
		},
		{
			name:          "custom retention",
			envs:          map[string]string{"INGEST_AUDIT_RETENTION_DAYS": "30"},
			wantRetention: 30,
			wantEnabled:   true,
		},
		{
			name:          "invalid retention keeps default",
			envs:          map[string]string{"INGEST_AUDIT_RETENTION_DAYS": "-1"},
			wantRetention: 90,
			wantEnabled:   true,
		},
		{
			name:          "disabled",
			envs:          map[string]string{"INGEST_AUDIT_ENABLED": "false"},
			wantRetention: 90,
			wantEnabled:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("INGEST_AUDIT_RETENTION_DAYS", "")
			t.Setenv("INGEST_AUDIT_ENABLED", "")
			for k, v := range tt.envs {
				t.Setenv(k, v)
			}

			cfg := AuditConfigFromEnv()
			if cfg.RetentionDays != tt.wantRetention {
				t.Errorf("RetentionDays = %d, want %d", cfg.RetentionDays, tt.wantRetention)
			}
			if cfg.Enabled != tt.wantEnabled {
				t.Errorf("Enabled = %v, want %v", cfg.Enabled, tt.wantEnabled)
			}
		})
	}
}
