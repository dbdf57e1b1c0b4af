package main

import (
	"testing"

	"prism-sync/changefeed"
)

func TestConfigFromEnv(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		channel string
	}{
		{
			name:    "complete",
			env:     map[string]string{"STORAGE_CONNECTION_STRING": "UseDevelopmentStorage=true", "CHANGES_QUEUE": "changes", "REDIS_URL": "redis://localhost:6379/0"},
			channel: changefeed.DefaultChannel,
		},
		{
			name:    "custom channel",
			env:     map[string]string{"STORAGE_CONNECTION_STRING": "x", "CHANGES_QUEUE": "changes", "REDIS_URL": "redis://r", "CHANGES_CHANNEL": "other"},
			channel: "other",
		},
		{name: "missing queue", env: map[string]string{"STORAGE_CONNECTION_STRING": "x", "REDIS_URL": "redis://r"}, wantErr: true},
		{name: "missing redis", env: map[string]string{"STORAGE_CONNECTION_STRING": "x", "CHANGES_QUEUE": "changes"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, k := range []string{"STORAGE_CONNECTION_STRING", "CHANGES_QUEUE", "REDIS_URL", "CHANGES_CHANNEL"} {
				t.Setenv(k, tc.env[k])
			}
			cfg, err := configFromEnv()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("configFromEnv: %v", err)
			}
			if cfg.channel != tc.channel {
				t.Fatalf("channel = %q, want %q", cfg.channel, tc.channel)
			}
		})
	}
}
