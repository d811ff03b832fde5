// Package gitrepo mirrors each document's version ledger into its own git
// repository: one commit per version on main, one tag per mode transition.
package gitrepo

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"workshelf/api/internal/mode"
	"workshelf/api/internal/store"
)

const (
	contentFile    = "content.json"
	mainBranch     = "main"
	versionTrailer = "Workshelf-Version: "
)

// ErrBehind means the mirror is missing versions before the one offered.
// Sync the gap from the ledger and retry.
var ErrBehind = errors.New("mirror is behind the ledger")

// Snapshot is the content.json payload of one mirrored version.
type Snapshot struct {
	DocumentID    string          `json:"documentId"`
	VersionNumber int             `json:"versionNumber"`
	Title         string          `json:"title"`
	Mode          mode.Mode       `json:"mode"`
	PreviousMode  *mode.Mode      `json:"previousMode,omitempty"`
	Kind          string          `json:"kind"`
	RestoredFrom  *int            `json:"restoredFrom,omitempty"`
	ContentHash   string          `json:"contentHash"`
	Content       json.RawMessage `json:"content"`
}

type Commit struct {
	Hash          string    `json:"hash"`
	Message       string    `json:"message"`
	Author        string    `json:"author"`
	CreatedAt     time.Time `json:"createdAt"`
	VersionNumber int       `json:"versionNumber"`
	Tags          []string  `json:"tags,omitempty"`
}

type Mirror struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Mirror {
	return &Mirror{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Record commits v if it is the next version the mirror expects. Versions
// already mirrored are skipped, so replays are harmless.
func (m *Mirror) Record(v store.Version) error {
	lock := m.documentLock(v.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := m.openOrInit(v.DocumentID)
	if err != nil {
		return err
	}
	return record(repo, v)
}

// Sync mirrors every version in versions newer than the mirror head, in
// ascending order. versions may be in any order.
func (m *Mirror) Sync(documentID string, versions []store.Version) (int, error) {
	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := m.openOrInit(documentID)
	if err != nil {
		return 0, err
	}
	last, err := lastMirrored(repo)
	if err != nil {
		return 0, err
	}

	byNumber := make(map[int]store.Version, len(versions))
	top := 0
	for _, v := range versions {
		byNumber[v.VersionNumber] = v
		if v.VersionNumber > top {
			top = v.VersionNumber
		}
	}

	written := 0
	for n := last + 1; n <= top; n++ {
		v, ok := byNumber[n]
		if !ok {
			return written, fmt.Errorf("sync %s: version %d missing from input: %w", documentID, n, ErrBehind)
		}
		if err := record(repo, v); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// LastMirrored returns the highest version number committed, 0 if none.
func (m *Mirror) LastMirrored(documentID string) (int, error) {
	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(m.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open repo: %w", err)
	}
	return lastMirrored(repo)
}

// History lists mirror commits newest first. limit <= 0 means all.
func (m *Mirror) History(documentID string, limit int) ([]Commit, error) {
	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(m.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}

	tags, err := tagsByCommit(repo)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(c *object.Commit) error {
		items = append(items, Commit{
			Hash:          c.Hash.String()[:7],
			Message:       c.Message,
			Author:        c.Author.Name,
			CreatedAt:     c.Author.When.UTC(),
			VersionNumber: parseVersionTrailer(c.Message),
			Tags:          tags[c.Hash],
		})
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ReadSnapshot returns the content.json committed for version n.
func (m *Mirror) ReadSnapshot(documentID string, versionNumber int) (Snapshot, error) {
	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(m.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Snapshot{}, fmt.Errorf("document %s not mirrored: %w", documentID, store.ErrVersionNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return Snapshot{}, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var found *object.Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if parseVersionTrailer(c.Message) == versionNumber {
			found = c
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return Snapshot{}, fmt.Errorf("iterate log: %w", err)
	}
	if found == nil {
		return Snapshot{}, fmt.Errorf("version %d not mirrored: %w", versionNumber, store.ErrVersionNotFound)
	}
	return readSnapshot(found)
}

func (m *Mirror) repoPath(documentID string) string {
	return filepath.Join(m.baseDir, documentID)
}

func (m *Mirror) documentLock(documentID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	m.locks[documentID] = lock
	return lock
}

func (m *Mirror) openOrInit(documentID string) (*git.Repository, error) {
	path := m.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func record(repo *git.Repository, v store.Version) error {
	last, err := lastMirrored(repo)
	if err != nil {
		return err
	}
	switch {
	case v.VersionNumber <= last:
		return nil
	case v.VersionNumber > last+1:
		return fmt.Errorf("record version %d after %d: %w", v.VersionNumber, last, ErrBehind)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snapshotOf(v), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, contentFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return fmt.Errorf("git add %s: %w", contentFile, err)
	}

	author := v.AuthorID
	if author == "" {
		author = "workshelf"
	}
	hash, err := worktree.Commit(commitMessage(v), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@users.workshelf.local", sanitizeEmail(author)),
			When:  v.CreatedAt,
		},
	})
	if err != nil {
		return fmt.Errorf("commit version %d: %w", v.VersionNumber, err)
	}

	if v.IsModeTransition {
		name := fmt.Sprintf("v%d-%s", v.VersionNumber, v.Mode)
		if _, err := repo.CreateTag(name, hash, nil); err != nil && !errors.Is(err, git.ErrTagExists) {
			return fmt.Errorf("tag %s: %w", name, err)
		}
	}
	return nil
}

func lastMirrored(repo *git.Repository) (int, error) {
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve head: %w", err)
	}
	c, err := repo.CommitObject(head.Hash())
	if err != nil {
		return 0, fmt.Errorf("load head commit: %w", err)
	}
	return parseVersionTrailer(c.Message), nil
}

func snapshotOf(v store.Version) Snapshot {
	return Snapshot{
		DocumentID:    v.DocumentID,
		VersionNumber: v.VersionNumber,
		Title:         v.Title,
		Mode:          v.Mode,
		PreviousMode:  v.PreviousMode,
		Kind:          string(v.Kind),
		RestoredFrom:  v.RestoredFrom,
		ContentHash:   v.ContentHash,
		Content:       v.Content,
	}
}

func commitMessage(v store.Version) string {
	subject := fmt.Sprintf("%s v%d (%s)", v.Kind, v.VersionNumber, v.Mode)
	if v.IsModeTransition && v.PreviousMode != nil {
		subject = fmt.Sprintf("%s v%d (%s -> %s)", v.Kind, v.VersionNumber, *v.PreviousMode, v.Mode)
	}
	var b strings.Builder
	b.WriteString(subject)
	b.WriteString("\n\n")
	if v.ChangeSummary != "" {
		b.WriteString(v.ChangeSummary)
		b.WriteString("\n\n")
	}
	b.WriteString(versionTrailer)
	b.WriteString(strconv.Itoa(v.VersionNumber))
	b.WriteString("\n")
	return b.String()
}

func parseVersionTrailer(message string) int {
	scanner := bufio.NewScanner(strings.NewReader(message))
	n := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if value, ok := strings.CutPrefix(line, versionTrailer); ok {
			if parsed, err := strconv.Atoi(value); err == nil {
				n = parsed
			}
		}
	}
	return n
}

func tagsByCommit(repo *git.Repository) (map[plumbing.Hash][]string, error) {
	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer iter.Close()

	out := make(map[plumbing.Hash][]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		out[ref.Hash()] = append(out[ref.Hash()], ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return out, nil
}

func readSnapshot(c *object.Commit) (Snapshot, error) {
	file, err := c.File(contentFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read content bytes: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
