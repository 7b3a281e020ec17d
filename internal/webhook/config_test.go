package webhook

import (
	"testing"

	"github.com/mattjoyce/palaver/internal/config"
)

func TestFromGlobalConfig(t *testing.T) {
	cfg, err := FromGlobalConfig(&config.WebhooksConfig{
		Listen: "127.0.0.1:8081",
		Endpoints: []config.WebhookEndpoint{
			{Path: "/hooks/chat", Action: "chat", Secret: "s1"},
			{Path: "/hooks/stt", Action: "transcribe", Secret: "s2", SignatureHeader: "X-Sig", MaxBodySize: "64KB"},
		},
	})
	if err != nil {
		t.Fatalf("FromGlobalConfig: %v", err)
	}
	if cfg.Listen != "127.0.0.1:8081" || len(cfg.Endpoints) != 2 {
		t.Fatalf("config = %+v", cfg)
	}

	chatEp := cfg.Endpoints[0]
	if chatEp.Action != ActionChat || chatEp.SignatureHeader != DefaultSignatureHeader || chatEp.MaxBodySize != DefaultMaxBodySize {
		t.Errorf("chat endpoint = %+v", chatEp)
	}
	sttEp := cfg.Endpoints[1]
	if sttEp.Action != ActionTranscribe || sttEp.SignatureHeader != "X-Sig" || sttEp.MaxBodySize != 64*1024 {
		t.Errorf("stt endpoint = %+v", sttEp)
	}
}

func TestFromGlobalConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		ep   config.WebhookEndpoint
	}{
		{"no secret", config.WebhookEndpoint{Path: "/a", Action: "chat"}},
		{"bad action", config.WebhookEndpoint{Path: "/a", Action: "enqueue", Secret: "s"}},
		{"bad size", config.WebhookEndpoint{Path: "/a", Action: "chat", Secret: "s", MaxBodySize: "lots"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromGlobalConfig(&config.WebhooksConfig{Listen: ":0", Endpoints: []config.WebhookEndpoint{tt.ep}})
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := FromGlobalConfig(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestParseMaxBodySize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", DefaultMaxBodySize, false},
		{"2048", 2048, false},
		{"1mb", 1024 * 1024, false},
		{"2KB", 2048, false},
		{"1GB", 1024 * 1024 * 1024, false},
		{"0", 0, true},
		{"-5", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := parseMaxBodySize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseMaxBodySize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseMaxBodySize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
