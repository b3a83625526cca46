package domain

import "testing"

func TestPredicateEvaluate(t *testing.T) {
	caps := map[string]string{
		"teamcity.agent.jvm.os.family": "Windows",
		"teamcity.agent.os.name":       "ubuntu-20.04",
		"DotNetCoreSDK7.0_Path":        "/usr/share/dotnet",
	}
	cases := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"matches", Predicate{Key: "teamcity.agent.jvm.os.family", Op: "matches", Value: "Windows"}, true},
		{"matches miss", Predicate{Key: "teamcity.agent.jvm.os.family", Op: "matches", Value: "^Linux$"}, false},
		{"exists", Predicate{Key: "DotNetCoreSDK7.0_Path", Op: "exists"}, true},
		{"exists missing", Predicate{Key: "DotNetCoreRuntime7.0_Path", Op: "exists"}, false},
		{"not exists missing", Predicate{Key: "DotNetCoreRuntime7.0_Path", Op: "not_exists"}, true},
		{"contains", Predicate{Key: "teamcity.agent.os.name", Op: "contains", Value: "ubuntu"}, true},
		{"equals", Predicate{Key: "teamcity.agent.jvm.os.family", Op: "eq", Value: " Windows "}, true},
		{"equals is case sensitive", Predicate{Key: "teamcity.agent.jvm.os.family", Op: "eq", Value: "windows"}, false},
		{"not equals differs in case", Predicate{Key: "teamcity.agent.jvm.os.family", Op: "not_equals", Value: "WINDOWS"}, true},
		{"contains is case sensitive", Predicate{Key: "teamcity.agent.os.name", Op: "contains", Value: "Ubuntu"}, false},
		{"in is case sensitive", Predicate{Key: "teamcity.agent.os.name", Op: "in", Values: []string{"Ubuntu-20.04"}}, false},
		{"not equals missing key", Predicate{Key: "absent", Op: "not_equals", Value: "x"}, false},
		{"in", Predicate{Key: "teamcity.agent.os.name", Op: "in", Values: []string{"ubuntu-20.04", "ubuntu-22.04"}}, true},
		{"not in", Predicate{Key: "teamcity.agent.os.name", Op: "not_in", Values: []string{"windows-server-2022"}}, true},
		{"unknown op", Predicate{Key: "teamcity.agent.os.name", Op: "approx", Value: "u"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.pred.Evaluate(caps); got != tc.want {
				t.Fatalf("Evaluate(%s)=%v, want %v", tc.pred, got, tc.want)
			}
		})
	}
}

func TestPredicateValidate(t *testing.T) {
	if err := (Predicate{Key: "k", Op: "matches", Value: "("}).Validate(); err == nil {
		t.Fatalf("expected invalid regexp error")
	}
	if err := (Predicate{Key: "k", Op: "equals"}).Validate(); err == nil {
		t.Fatalf("expected missing value error")
	}
	if err := (Predicate{Key: "k", Op: "in"}).Validate(); err == nil {
		t.Fatalf("expected missing values error")
	}
	if err := (Predicate{Key: "k", Op: "exists"}).Validate(); err != nil {
		t.Fatalf("exists err=%v", err)
	}
}

func TestParseArtifactRule(t *testing.T) {
	cases := []struct {
		rule string
		src  string
		dst  string
	}{
		{"bin => context", "bin", "context"},
		{"bin/**/*.* => .", "bin/**/*.*", "."},
		{"bin/Clock.Desktop/win/**/*.* => bin/Clock.Desktop.zip", "bin/Clock.Desktop/win/**/*.*", "bin/Clock.Desktop.zip"},
		{"out", "out", "."},
	}
	for _, tc := range cases {
		got, err := ParseArtifactRule(tc.rule)
		if err != nil {
			t.Fatalf("ParseArtifactRule(%q) err=%v", tc.rule, err)
		}
		if got.Source != tc.src || got.Destination != tc.dst {
			t.Fatalf("ParseArtifactRule(%q)=%+v", tc.rule, got)
		}
	}
	if _, err := ParseArtifactRule(" => x"); err == nil {
		t.Fatalf("expected error for empty source")
	}
}

func TestStageValidate(t *testing.T) {
	deploy := Stage{ID: "deploy", Kind: StageKindDeployment}
	if err := deploy.Validate(); err == nil {
		t.Fatalf("expected deployment without concurrency class to fail")
	}
	deploy.Concurrency = &ConcurrencyClass{Name: "prod", MaxInFlight: 1}
	if err := deploy.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if got := deploy.MaxAttempts(); got != 1 {
		t.Fatalf("MaxAttempts()=%d, want 1", got)
	}
}

func TestRunStateExitCode(t *testing.T) {
	cases := map[RunState]int{
		RunStateSucceeded: 0,
		RunStateFailed:    1,
		RunStateCancelled: 2,
	}
	for state, want := range cases {
		got, ok := state.ExitCode()
		if !ok || got != want {
			t.Fatalf("%s.ExitCode()=%d,%v, want %d", state, got, ok, want)
		}
	}
	if _, ok := RunStateRunning.ExitCode(); ok {
		t.Fatalf("running must not map to an exit code")
	}
}
