package node

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"stately/internal/crypto"
	"stately/internal/state"
)

const (
	idFile   = "peer.id"
	seedFile = "sign.seed"
	nameFile = "name"
)

// Node is the local device: the id it broadcasts under, its display name and
// its key material.
type Node struct {
	ID       state.PeerID
	Identity *crypto.Identity

	home string
	mu   sync.RWMutex
	name string
}

type Options struct {
	// Name overrides the persisted display name for this run.
	Name string
}

// NewNode loads the device from home, creating missing files on first use.
func NewNode(home string, opts Options) (*Node, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	id, err := loadOrCreate(filepath.Join(home, idFile), func() (string, error) {
		return string(NewPeerID()), nil
	})
	if err != nil {
		return nil, err
	}
	if len(id) == 0 || len(id) > state.PeerIDSize {
		return nil, fmt.Errorf("bad %s: %q", idFile, id)
	}
	seedHex, err := loadOrCreate(filepath.Join(home, seedFile), func() (string, error) {
		seed := make([]byte, crypto.SigningSeedSize)
		if _, err := rand.Read(seed); err != nil {
			return "", err
		}
		return hex.EncodeToString(seed), nil
	})
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("bad %s", seedFile)
	}
	identity, err := crypto.NewIdentityFromSeed(seed)
	clear(seed)
	if err != nil {
		return nil, err
	}
	name, err := loadOrCreate(filepath.Join(home, nameFile), func() (string, error) {
		return DefaultName(), nil
	})
	if err != nil {
		return nil, err
	}
	if opts.Name != "" {
		name = opts.Name
	}
	return &Node{ID: state.PeerID(id), Identity: identity, home: home, name: name}, nil
}

// NewEphemeral builds a node that lives only in memory.
func NewEphemeral(id state.PeerID, name string) (*Node, error) {
	if len(id) == 0 || len(id) > state.PeerIDSize {
		return nil, fmt.Errorf("bad peer id %q", id)
	}
	identity, err := crypto.NewIdentity()
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = DefaultName()
	}
	return &Node{ID: id, Identity: identity, name: name}, nil
}

func (n *Node) Name() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.name
}

// SetName changes the display name and persists it when the node has a home.
func (n *Node) SetName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("empty name")
	}
	n.mu.Lock()
	n.name = name
	n.mu.Unlock()
	if n.home == "" {
		return nil
	}
	return os.WriteFile(filepath.Join(n.home, nameFile), []byte(name+"\n"), 0600)
}

// NewPeerID returns the first PeerIDSize characters of a random UUID.
func NewPeerID() state.PeerID {
	return state.PeerID(strings.ToLower(uuid.NewString())[:state.PeerIDSize])
}

// DefaultName is "anon" followed by four random digits.
func DefaultName() string {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "anon1000"
	}
	return fmt.Sprintf("anon%d", 1000+n.Int64())
}

func loadOrCreate(path string, create func() (string, error)) (string, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(b)), nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	v, err := create()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(v+"\n"), 0600); err != nil {
		return "", err
	}
	return v, nil
}
