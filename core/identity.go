package core

// identity.go - the node's long-lived libp2p key pair.
//
// The key is Ed25519. Its public half derives the PeerId that names this
// node everywhere on the mesh: gossip sender, capability owner, assignee.
// The key is persisted as a libp2p protobuf-encoded private key so a node
// keeps its id across restarts.

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// NodeIdentity is a key pair and the PeerId derived from it.
// It never changes during the life of a process.
type NodeIdentity struct {
	ID   peer.ID
	priv crypto.PrivKey
}

// NewIdentity generates a fresh Ed25519 identity.
func NewIdentity() (*NodeIdentity, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: key generation failed: %w", err)
	}
	return identityFromKey(priv)
}

// LoadOrCreateIdentity reads the key at path, or generates one and writes it
// there with owner-only permissions.
func LoadOrCreateIdentity(path string) (*NodeIdentity, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("identity: decode %s: %w", path, err)
		}
		return identityFromKey(priv)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	id, err := NewIdentity()
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(id.priv)
	if err != nil {
		return nil, fmt.Errorf("identity: encode key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("identity: create dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("identity: write %s: %w", path, err)
	}
	return id, nil
}

func identityFromKey(priv crypto.PrivKey) (*NodeIdentity, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("identity: derive peer id: %w", err)
	}
	return &NodeIdentity{ID: id, priv: priv}, nil
}

// PrivKey returns the private key for host construction.
func (n *NodeIdentity) PrivKey() crypto.PrivKey { return n.priv }

// String returns the base58 PeerId.
func (n *NodeIdentity) String() string { return n.ID.String() }
