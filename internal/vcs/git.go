package vcs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/execution/trigger"
)

// GitSource reports the branch tips of one repository. With a URL the
// repository is cloned into Dir and fetched before every listing.
type GitSource struct {
	repo     *git.Repository
	name     string
	remote   string
	fetch    bool
	branches []string
}

func OpenGitSource(ctx context.Context, cfg Config) (*GitSource, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("repository dir is required")
	}
	remote := cfg.Remote
	if remote == "" {
		remote = git.DefaultRemoteName
	}

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) && cfg.URL != "" {
		repo, err = git.PlainCloneContext(ctx, dir, true, &git.CloneOptions{
			URL:        cfg.URL,
			RemoteName: remote,
			NoCheckout: true,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", dir, err)
	}

	name := cfg.URL
	if name == "" {
		name = dir
	}
	return &GitSource{
		repo:     repo,
		name:     name,
		remote:   remote,
		fetch:    cfg.URL != "",
		branches: cfg.Branches,
	}, nil
}

// Revisions lists the current tip of every tracked branch, sorted by
// branch name.
func (s *GitSource) Revisions(ctx context.Context) ([]domain.RevisionEvent, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("git source not initialized")
	}
	if s.fetch {
		err := s.repo.FetchContext(ctx, &git.FetchOptions{RemoteName: s.remote})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil, fmt.Errorf("fetch %s: %w", s.remote, err)
		}
	}

	refs, err := s.repo.References()
	if err != nil {
		return nil, err
	}
	tips := make(map[string]plumbing.Hash)
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		var branch string
		switch {
		case ref.Name().IsBranch():
			branch = ref.Name().Short()
		case ref.Name().IsRemote() && strings.HasPrefix(ref.Name().Short(), s.remote+"/"):
			branch = strings.TrimPrefix(ref.Name().Short(), s.remote+"/")
		default:
			return nil
		}
		if branch == "HEAD" || !s.tracks(branch) {
			return nil
		}
		if _, seen := tips[branch]; seen && ref.Name().IsRemote() {
			return nil
		}
		tips[branch] = ref.Hash()
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, err
	}

	out := make([]domain.RevisionEvent, 0, len(tips))
	for branch, hash := range tips {
		commit, err := s.repo.CommitObject(hash)
		if err != nil {
			return nil, fmt.Errorf("load commit %s: %w", hash, err)
		}
		out = append(out, domain.RevisionEvent{
			RevisionID:      hash.String(),
			SourceTimestamp: commit.Committer.When.UTC(),
			Branch:          branch,
			Source:          s.name,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Branch < out[j].Branch })
	return out, nil
}

func (s *GitSource) tracks(branch string) bool {
	if len(s.branches) == 0 {
		return true
	}
	for _, filter := range s.branches {
		if trigger.BranchMatches(filter, branch) {
			return true
		}
	}
	return false
}
