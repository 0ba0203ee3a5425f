package trie

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/trie/trienode"
	"github.com/ethereum/go-ethereum/triedb"
)

// Trie wraps go-ethereum's Merkle Patricia trie to give the ledgers a small
// keyed read/write surface while retaining committed-root semantics. Keys are
// expected to be keccak256 hashed before insertion.
//
// Trie is not safe for concurrent use; the dispatcher serialises all state
// mutations.
type Trie struct {
	nodeDB *triedb.Database
	trie   *gethtrie.Trie
	root   common.Hash
}

// NewNodeDB returns a node database suitable for backing one or more tries.
// Sharing a node database between tries lets a speculative copy resolve nodes
// committed by the original.
func NewNodeDB() *triedb.Database {
	backend := rawdb.NewDatabase(memorydb.New())
	return triedb.NewDatabase(backend, triedb.HashDefaults)
}

// NewTrie opens a trie at the provided root. A nil node database allocates a
// fresh one; a nil or empty root denotes the empty trie.
func NewTrie(nodeDB *triedb.Database, root []byte) (*Trie, error) {
	if nodeDB == nil {
		nodeDB = NewNodeDB()
	}
	rootHash := gethtypes.EmptyRootHash
	if len(root) > 0 {
		rootHash = common.BytesToHash(root)
	}
	underlying, err := gethtrie.New(gethtrie.TrieID(rootHash), nodeDB)
	if err != nil {
		return nil, err
	}
	return &Trie{
		nodeDB: nodeDB,
		trie:   underlying,
		root:   rootHash,
	}, nil
}

// Get retrieves a value from the trie for the provided key.
func (t *Trie) Get(key []byte) ([]byte, error) {
	return t.trie.Get(key)
}

// Update inserts or updates a value in the trie for the provided key.
func (t *Trie) Update(key, value []byte) error {
	return t.trie.Update(key, value)
}

// Delete removes the value stored under the provided key.
func (t *Trie) Delete(key []byte) error {
	return t.trie.Delete(key)
}

// Hash returns the root hash of the trie reflecting all in-memory mutations.
func (t *Trie) Hash() common.Hash {
	return t.trie.Hash()
}

// Root returns the last committed root hash.
func (t *Trie) Root() common.Hash {
	return t.root
}

// Reset discards any in-memory changes and reloads the trie at the provided
// root. It is used to roll back a speculative validate/settle cycle.
func (t *Trie) Reset(root common.Hash) error {
	underlying, err := gethtrie.New(gethtrie.TrieID(root), t.nodeDB)
	if err != nil {
		return err
	}
	t.trie = underlying
	t.root = root
	return nil
}

// Copy creates a copy of the trie wrapper that shares the node database but
// can be mutated independently.
func (t *Trie) Copy() *Trie {
	return &Trie{
		nodeDB: t.nodeDB,
		trie:   t.trie.Copy(),
		root:   t.root,
	}
}

// Commit flushes the trie changes to the node database and returns the new
// root hash. The wrapper recreates the underlying trie afterwards so the
// instance can be reused for subsequent operations.
func (t *Trie) Commit(parent common.Hash, version uint64) (common.Hash, error) {
	newRoot, nodes := t.trie.Commit(false)
	if nodes != nil {
		merged := trienode.NewMergedNodeSet()
		if err := merged.Merge(nodes); err != nil {
			return common.Hash{}, err
		}
		if err := t.nodeDB.Update(newRoot, parent, version, merged, nil); err != nil {
			return common.Hash{}, err
		}
		if err := t.nodeDB.Commit(newRoot, false); err != nil {
			return common.Hash{}, err
		}
	}
	underlying, err := gethtrie.New(gethtrie.TrieID(newRoot), t.nodeDB)
	if err != nil {
		return common.Hash{}, err
	}
	t.trie = underlying
	t.root = newRoot
	return newRoot, nil
}

// NodeDB exposes the underlying node database so additional tries can share
// committed state.
func (t *Trie) NodeDB() *triedb.Database {
	return t.nodeDB
}
