package config

import (
	"os"
	"reflect"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.GRPCAddr != ":8081" {
		t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, ":8081")
	}
	if cfg.SessionIssuer != "marketplace-auth" {
		t.Errorf("SessionIssuer = %q, want %q", cfg.SessionIssuer, "marketplace-auth")
	}
	if cfg.ProfileListLimit != 20 {
		t.Errorf("ProfileListLimit = %d, want 20", cfg.ProfileListLimit)
	}
	if cfg.RealtimeSource != "postgres" {
		t.Errorf("RealtimeSource = %q, want postgres", cfg.RealtimeSource)
	}
	if cfg.Throttle() != 2*time.Second {
		t.Errorf("Throttle = %v, want 2s", cfg.Throttle())
	}
	if cfg.Cooldown() != 20*time.Second {
		t.Errorf("Cooldown = %v, want 20s", cfg.Cooldown())
	}
	if cfg.FetchTimeoutDuration() != 25*time.Second {
		t.Errorf("FetchTimeout = %v, want 25s", cfg.FetchTimeoutDuration())
	}
	if cfg.Debounce() != 500*time.Millisecond {
		t.Errorf("Debounce = %v, want 500ms", cfg.Debounce())
	}
	if cfg.AdvisoryInterval() != 15*time.Minute {
		t.Errorf("AdvisoryInterval = %v, want 15m", cfg.AdvisoryInterval())
	}
	if cfg.OTLPInsecure {
		t.Error("OTLPInsecure should default to false")
	}
	if cfg.RealtimeKafkaGroupID != "" {
		t.Errorf("RealtimeKafkaGroupID = %q, want empty", cfg.RealtimeKafkaGroupID)
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("GRPC_ADDR", ":9090")
	os.Setenv("RESOLVE_COOLDOWN", "45s")
	os.Setenv("PROFILE_LIST_LIMIT", "5")
	os.Setenv("REALTIME_SOURCE", "NONE")
	os.Setenv("KAFKA_GROUP_ID", "identity-events-worker")
	os.Setenv("REALTIME_KAFKA_GROUP_ID", "identity-realtime")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GRPCAddr != ":9090" {
		t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, ":9090")
	}
	if cfg.Cooldown() != 45*time.Second {
		t.Errorf("Cooldown = %v, want 45s", cfg.Cooldown())
	}
	if cfg.ProfileListLimit != 5 {
		t.Errorf("ProfileListLimit = %d, want 5", cfg.ProfileListLimit)
	}
	if cfg.RealtimeSource != "none" {
		t.Errorf("RealtimeSource = %q, want none", cfg.RealtimeSource)
	}
	if cfg.KafkaGroupID != "identity-events-worker" || cfg.RealtimeKafkaGroupID != "identity-realtime" {
		t.Errorf("group ids = %q, %q; the worker and the change feed need separate groups", cfg.KafkaGroupID, cfg.RealtimeKafkaGroupID)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
	}{
		{"limit too large", map[string]string{"PROFILE_LIST_LIMIT": "1000"}},
		{"unknown realtime source", map[string]string{"REALTIME_SOURCE": "websocket"}},
		{"kafka without brokers", map[string]string{"REALTIME_SOURCE": "kafka"}},
		{"join exceeds lock", map[string]string{"JOIN_TIMEOUT": "2m", "LOCK_TIMEOUT": "1m"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tc.env {
				os.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load should return an error")
			}
		})
	}
}

func TestDurations_FallbackOnInvalid(t *testing.T) {
	cfg := &Config{ResolveThrottle: "soon", LockTimeout: "-5s", SuppressWindow: ""}
	if cfg.Throttle() != 2*time.Second {
		t.Errorf("Throttle = %v, want 2s", cfg.Throttle())
	}
	if cfg.LockTimeoutDuration() != time.Minute {
		t.Errorf("LockTimeout = %v, want 1m", cfg.LockTimeoutDuration())
	}
	if cfg.SuppressWindowDuration() != 5*time.Second {
		t.Errorf("SuppressWindow = %v, want 5s", cfg.SuppressWindowDuration())
	}
}

func TestKafkaBrokersList(t *testing.T) {
	testCases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a:9092", []string{"a:9092"}},
		{" a:9092 , ,b:9092 ", []string{"a:9092", "b:9092"}},
	}
	for _, tc := range testCases {
		cfg := &Config{KafkaBrokers: tc.in}
		got := cfg.KafkaBrokersList()
		if len(got) == 0 && len(tc.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("KafkaBrokersList(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	var nilCfg *Config
	if nilCfg.KafkaBrokersList() != nil {
		t.Error("nil config should return nil brokers")
	}
}
