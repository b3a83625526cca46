package runtimeexec

import (
	"context"
	"testing"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv err=%v", err)
	}
	if cfg.LocalKind != KindLocal || len(cfg.LocalAgents) != 1 || cfg.LocalAgents[0].ID != "local-1" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Credentials() != nil {
		t.Fatalf("credentials should be nil without a token url")
	}
}

func TestConfigFromEnvDryRunAgents(t *testing.T) {
	t.Setenv("CONVEYOR_AGENT_KIND", "dryrun")
	t.Setenv("CONVEYOR_LOCAL_AGENTS", "lin-1:os.family=Linux;win-1:os.family=Windows")
	t.Setenv("CONVEYOR_DRYRUN_FAILURE_RATE", "0.25")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv err=%v", err)
	}
	if cfg.DryRunFailureRate != 0.25 {
		t.Fatalf("rate=%v", cfg.DryRunFailureRate)
	}
	built, err := BuildAgents(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BuildAgents err=%v", err)
	}
	if len(built) != 2 || built[0].Kind() != "dryrun" || built[1].Capabilities()["os.family"] != "Windows" {
		t.Fatalf("agents=%v", built)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "unknown kind", cfg: Config{LocalKind: "ssh", LocalAgents: []AgentSpec{{ID: "a"}}}},
		{name: "rate out of range", cfg: Config{LocalKind: KindDryRun, LocalAgents: []AgentSpec{{ID: "a"}}, DryRunFailureRate: 2}},
		{name: "no agents", cfg: Config{LocalKind: KindLocal}},
		{name: "token url without client", cfg: Config{LocalKind: KindLocal, RemoteAgents: []string{"http://a"}, TokenURL: "http://idp/token"}},
	}
	for _, tt := range tests {
		if err := tt.cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}

	creds := Config{TokenURL: "http://idp/token", ClientID: "orchestrator", Scopes: []string{"agents"}}.Credentials()
	if creds == nil || creds.ClientID != "orchestrator" || creds.TokenURL != "http://idp/token" {
		t.Fatalf("creds=%+v", creds)
	}
}
