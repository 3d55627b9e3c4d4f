// Package gitstore keeps content blocks as git blob objects. A block's ID is
// its blob hash, so identical blocks share one ID.
package gitstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage/memory"

	"zuzalu/api/internal/blocks"
	"zuzalu/api/internal/store"
)

const refPrefix = "refs/blocks/"

type blob struct {
	AppID     string           `json:"appID"`
	AuthorDID string           `json:"authorDID"`
	Content   []blocks.Content `json:"content"`
}

type Store struct {
	mu   sync.RWMutex
	repo *git.Repository
}

// Open opens the bare repository at path, creating it when missing.
func Open(path string) (*Store, error) {
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create blocks dir: %w", err)
		}
		repo, err = git.PlainInit(path, true)
	}
	if err != nil {
		return nil, fmt.Errorf("open blocks repo: %w", err)
	}
	return &Store{repo: repo}, nil
}

// OpenMemory returns a store backed by an in-memory repository.
func OpenMemory() (*Store, error) {
	repo, err := git.Init(memory.NewStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("init memory repo: %w", err)
	}
	return &Store{repo: repo}, nil
}

// CreateContentBlock writes the block as a blob and pins it with a reference.
func (s *Store) CreateContentBlock(_ context.Context, in store.NewContentBlock) (string, error) {
	content := in.Content
	if content == nil {
		content = []blocks.Content{}
	}
	payload, err := json.Marshal(blob{AppID: in.AppID, AuthorDID: in.AuthorDID, Content: content})
	if err != nil {
		return "", fmt.Errorf("marshal block: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return "", fmt.Errorf("open blob writer: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}
	ref := plumbing.NewHashReference(plumbing.ReferenceName(refPrefix+hash.String()), hash)
	if err := s.repo.Storer.SetReference(ref); err != nil {
		return "", fmt.Errorf("pin blob: %w", err)
	}
	return hash.String(), nil
}

func (s *Store) GetContentBlockByID(_ context.Context, blockID string) (store.ContentBlock, error) {
	if !isHash(blockID) {
		return store.ContentBlock{}, store.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, err := s.repo.BlobObject(plumbing.NewHash(blockID))
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return store.ContentBlock{}, store.ErrNotFound
	}
	if err != nil {
		return store.ContentBlock{}, fmt.Errorf("read blob: %w", err)
	}
	reader, err := obj.Reader()
	if err != nil {
		return store.ContentBlock{}, fmt.Errorf("open blob: %w", err)
	}
	defer reader.Close()
	payload, err := io.ReadAll(reader)
	if err != nil {
		return store.ContentBlock{}, fmt.Errorf("read blob: %w", err)
	}

	var b blob
	if err := json.Unmarshal(payload, &b); err != nil {
		return store.ContentBlock{}, fmt.Errorf("decode block %s: %w", blockID, err)
	}
	return store.ContentBlock{
		ID:        blockID,
		AppID:     b.AppID,
		AuthorDID: b.AuthorDID,
		Content:   b.Content,
		Active:    true,
	}, nil
}

// BlockIDs lists every pinned block, sorted.
func (s *Store) BlockIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs, err := s.repo.Storer.IterReferences()
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	var ids []string
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().String()
		if strings.HasPrefix(name, refPrefix) {
			ids = append(ids, strings.TrimPrefix(name, refPrefix))
		}
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, fmt.Errorf("iterate refs: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func isHash(s string) bool {
	if len(s) != 40 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
