package vcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func commitFile(t *testing.T, repo *git.Repository, dir, name, content string, when time.Time) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree err=%v", err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("Add err=%v", err)
	}
	hash, err := wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: when},
	})
	if err != nil {
		t.Fatalf("Commit err=%v", err)
	}
	return hash.String()
}

func TestGitSourcePollerEmitsMovedTips(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit err=%v", err)
	}
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	commitFile(t, repo, dir, "Clock.cs", "v1", when)

	src, err := OpenGitSource(context.Background(), Config{Dir: dir})
	if err != nil {
		t.Fatalf("OpenGitSource err=%v", err)
	}
	poller := NewPoller(src, nil)

	events, err := poller.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll err=%v", err)
	}
	if len(events) != 0 {
		t.Fatalf("baseline poll events=%v, want none", events)
	}

	head := commitFile(t, repo, dir, "Clock.cs", "v2", when.Add(time.Hour))
	events, err = poller.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll err=%v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events=%v, want one", events)
	}
	ev := events[0]
	if ev.RevisionID != head || ev.Branch != "master" || !ev.SourceTimestamp.Equal(when.Add(time.Hour)) {
		t.Fatalf("event=%+v", ev)
	}

	again, _ := poller.Poll(context.Background())
	if len(again) != 0 {
		t.Fatalf("unchanged tip produced %v", again)
	}
}

func TestGitSourceBranchFilter(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit err=%v", err)
	}
	commitFile(t, repo, dir, "a.txt", "a", time.Now())

	src, err := OpenGitSource(context.Background(), Config{Dir: dir, Branches: []string{"release/*"}})
	if err != nil {
		t.Fatalf("OpenGitSource err=%v", err)
	}
	revs, err := src.Revisions(context.Background())
	if err != nil {
		t.Fatalf("Revisions err=%v", err)
	}
	if len(revs) != 0 {
		t.Fatalf("revs=%v, want none outside release/*", revs)
	}
}

func TestOpenGitSourceMissingRepo(t *testing.T) {
	if _, err := OpenGitSource(context.Background(), Config{Dir: filepath.Join(t.TempDir(), "none")}); err == nil {
		t.Fatalf("expected error for missing repository without url")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("disabled config err=%v", err)
	}
	if err := (Config{Enabled: true, Dir: "x"}).Validate(); err == nil {
		t.Fatalf("expected poll interval error")
	}
}
