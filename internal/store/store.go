package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"overlayctl/internal/model"
)

// ErrNotFound is returned when no record exists for a node ID.
var ErrNotFound = errors.New("node not found")

// Store is the durable record of nodes. Implementations must make
// Put atomic per node ID.
type Store interface {
	Get(ctx context.Context, nodeID string) (model.Node, error)
	Put(ctx context.Context, node model.Node) error
	Delete(ctx context.Context, nodeID string) error
	List(ctx context.Context) ([]model.Node, error)
}

// nodeFile is the on-disk layout.
type nodeFile struct {
	UpdatedAt time.Time    `yaml:"updated_at"`
	Nodes     []model.Node `yaml:"nodes"`
}

// FileStore persists nodes to a single YAML file. Writes rewrite the
// whole file under a mutex, which gives per-node atomicity.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore opens (or lazily creates) a file-backed store.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) load() (*nodeFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &nodeFile{}, nil
		}
		return nil, err
	}
	var f nodeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *FileStore) save(f *nodeFile) error {
	f.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Get returns the stored record for nodeID.
func (s *FileStore) Get(ctx context.Context, nodeID string) (model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return model.Node{}, err
	}
	for _, n := range f.Nodes {
		if n.ID == nodeID {
			return n, nil
		}
	}
	return model.Node{}, ErrNotFound
}

// Put upserts a node record keyed by ID. Last write wins.
func (s *FileStore) Put(ctx context.Context, node model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range f.Nodes {
		if f.Nodes[i].ID == node.ID {
			f.Nodes[i] = node
			replaced = true
			break
		}
	}
	if !replaced {
		f.Nodes = append(f.Nodes, node)
	}
	return s.save(f)
}

// Delete removes a node record. Deleting an absent ID is not an error.
func (s *FileStore) Delete(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	kept := f.Nodes[:0]
	for _, n := range f.Nodes {
		if n.ID != nodeID {
			kept = append(kept, n)
		}
	}
	f.Nodes = kept
	return s.save(f)
}

// List returns all stored nodes ordered by ID.
func (s *FileStore) List(ctx context.Context) ([]model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	nodes := append([]model.Node(nil), f.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}
