package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("load: %v", err)
	}
	if cfg.DatabasePath != defaultDatabasePath {
		testContext.Fatalf("expected database path %s, got %s", defaultDatabasePath, cfg.DatabasePath)
	}
	if cfg.SyncInterval != time.Minute || cfg.SyncTimeout != 10*time.Second || cfg.RegistrationTimeout != 3*time.Minute {
		testContext.Fatalf("unexpected timing defaults %+v", cfg)
	}
	if cfg.DefaultChatroom != defaultChatroom || !cfg.TransportInsecure || cfg.IdleTimeout != time.Minute {
		testContext.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.TracingEnabled {
		testContext.Fatal("expected tracing to be disabled by default")
	}
	if cfg.StatusTriggerRate != 1 || cfg.StatusTriggerBurst != 5 {
		testContext.Fatalf("unexpected status trigger limits %+v", cfg)
	}
}

func TestLoadReadsEnvironment(testContext *testing.T) {
	testContext.Setenv("CHATRELAY_SYNC_INTERVAL", "30s")
	testContext.Setenv("CHATRELAY_CHATROOM_DEFAULT", "general")
	testContext.Setenv("CHATRELAY_LOCATION_LATITUDE", "40.74")
	testContext.Setenv("CHATRELAY_TRANSPORT_INSECURE", "false")

	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("load: %v", err)
	}
	if cfg.SyncInterval != 30*time.Second {
		testContext.Fatalf("expected 30s interval, got %s", cfg.SyncInterval)
	}
	if cfg.DefaultChatroom != "general" || cfg.Latitude != 40.74 || cfg.TransportInsecure {
		testContext.Fatalf("expected environment overrides, got %+v", cfg)
	}
}

func TestLoadValidates(testContext *testing.T) {
	testCases := []struct {
		name    string
		key     string
		value   any
		wantErr string
	}{
		{name: "empty database", key: "database.path", value: " ", wantErr: "database.path"},
		{name: "empty chatroom", key: "chatroom.default", value: "", wantErr: "chatroom.default"},
		{name: "zero interval", key: "sync.interval", value: "0s", wantErr: "sync.interval"},
		{name: "negative timeout", key: "sync.timeout", value: "-1s", wantErr: "sync.timeout"},
		{name: "latitude range", key: "location.latitude", value: 91.0, wantErr: "location.latitude"},
		{name: "longitude range", key: "location.longitude", value: -181.0, wantErr: "location.longitude"},
		{name: "negative trigger rate", key: "status.trigger_rate", value: -1.0, wantErr: "status.trigger_rate"},
		{name: "zero trigger burst", key: "status.trigger_burst", value: 0, wantErr: "status.trigger_burst"},
		{name: "sample ratio", key: "tracing.sample_ratio", value: 1.5, wantErr: "tracing.sample_ratio"},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				testContext.Fatalf("expected error mentioning %s, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestLoadRequiresTracingEndpointWhenEnabled(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("tracing.enabled", true)
	configViper.Set("tracing.endpoint", "")
	if _, err := Load(configViper); err == nil || !strings.Contains(err.Error(), "tracing.endpoint") {
		testContext.Fatalf("expected tracing.endpoint error, got %v", err)
	}
}
