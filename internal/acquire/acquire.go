/*
Package acquire materializes a tool's source tree on disk from its git
location, or fails with a classified error. A tree that already exists
is brought back to a pristine checkout of the wanted revision instead
of being re-cloned.
*/
package acquire

import (
	"context"
	"errors"
	"fmt"
	"os"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// Kind classifies acquisition failures; all of them are fatal for the
// run, none are retried.
type Kind int

// The acquisition error classes.
const (
	KindNetwork Kind = iota
	KindAuth
	KindNotFound
	KindRevision
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not-found"
	case KindRevision:
		return "missing-revision"
	default:
		return "network"
	}
}

// Error is a classified acquisition failure.
type Error struct {
	Kind Kind
	Repo string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("acquisition failed (%s) for %s: %v", e.Kind, e.Repo, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

/*
Acquire clones repo into dir, or refreshes an existing clone with a
fetch, hard reset and clean, then checks out revision when one is
given. An empty revision means the remote default branch.
*/
func Acquire(ctx context.Context, repoURL, revision, dir string) error {
	repo, err := git.PlainOpen(dir)

	switch {
	case err == nil:
		if err := update(ctx, repo); err != nil {
			return classify(repoURL, err)
		}
	case errors.Is(err, git.ErrRepositoryNotExists):
		// a stale non-repo directory cannot be trusted
		_ = os.RemoveAll(dir)

		repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: repoURL})
		if err != nil {
			return classify(repoURL, err)
		}
	default:
		return classify(repoURL, err)
	}

	if revision == "" {
		return nil
	}

	if err := checkout(repo, revision); err != nil {
		return classify(repoURL, err)
	}

	return nil
}

func update(ctx context.Context, repo *git.Repository) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{Force: true, Tags: git.AllTags})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return err
	}

	if err := worktree.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		return err
	}

	return worktree.Clean(&git.CleanOptions{Dir: true})
}

func checkout(repo *git.Repository, revision string) error {
	hash, err := resolve(repo, revision)
	if err != nil {
		return &Error{Kind: KindRevision, Err: fmt.Errorf("revision %q: %w", revision, err)}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return err
	}

	return worktree.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true})
}

/*
resolve tries the revision as given and then as a remote-tracking ref,
so both "v1.2" and "dev" work after a plain clone.
*/
func resolve(repo *git.Repository, revision string) (*plumbing.Hash, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err == nil {
		return hash, nil
	}

	return repo.ResolveRevision(plumbing.Revision("origin/" + revision))
}

/*
classify maps transport and plumbing failures onto the acquisition
error taxonomy. Anything unrecognized counts as a network failure.
*/
func classify(repoURL string, err error) error {
	var acquireErr *Error
	if errors.As(err, &acquireErr) {
		if acquireErr.Repo == "" {
			acquireErr.Repo = repoURL
		}

		return acquireErr
	}

	kind := KindNetwork

	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		kind = KindAuth
	case errors.Is(err, transport.ErrRepositoryNotFound):
		kind = KindNotFound
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		kind = KindRevision
	}

	return &Error{Kind: kind, Repo: repoURL, Err: err}
}
