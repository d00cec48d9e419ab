package node

import (
	"os"
	"sync"

	"meshlink/internal/crypto"
)

// FileKeyStore holds the static identity keypair on disk, created on first
// use. The directory must be private to the node.
type FileKeyStore struct {
	mu   sync.Mutex
	dir  string
	pub  []byte
	priv []byte
}

func NewFileKeyStore(dir string) *FileKeyStore {
	return &FileKeyStore{dir: dir}
}

func (k *FileKeyStore) GetOrCreatePersistentKeypair() (pub, priv []byte, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.pub) > 0 {
		return cloneKey(k.pub), cloneKey(k.priv), nil
	}
	pub, priv, err = crypto.LoadKeypair(k.dir)
	if err != nil {
		if err := os.MkdirAll(k.dir, 0700); err != nil {
			return nil, nil, err
		}
		pub, priv, err = crypto.GenStaticKeypair()
		if err != nil {
			return nil, nil, err
		}
		if err := crypto.SaveKeypair(k.dir, pub, priv); err != nil {
			return nil, nil, err
		}
	}
	k.pub = pub
	k.priv = priv
	return cloneKey(pub), cloneKey(priv), nil
}

// MemKeyStore keeps the keypair in memory only. Tests and throwaway nodes.
type MemKeyStore struct {
	mu   sync.Mutex
	pub  []byte
	priv []byte
}

func NewMemKeyStore() *MemKeyStore {
	return &MemKeyStore{}
}

func (k *MemKeyStore) GetOrCreatePersistentKeypair() (pub, priv []byte, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.pub) == 0 {
		k.pub, k.priv, err = crypto.GenStaticKeypair()
		if err != nil {
			return nil, nil, err
		}
	}
	return cloneKey(k.pub), cloneKey(k.priv), nil
}

func cloneKey(b []byte) []byte {
	return append([]byte(nil), b...)
}
