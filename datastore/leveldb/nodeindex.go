package leveldb

import (
	"chunkfs/datamodel/node"
	"chunkfs/fserr"
	"context"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixNode = "NOD" // Node descriptor. Followed by the node ID
)

var _ node.NodeIndex = (*NodeIndex)(nil)

type NodeIndex struct {
	*DB
}

func NewNodeIndex(path string) (*NodeIndex, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &NodeIndex{DB: db}, nil
}

func (l *NodeIndex) Get(id string) (*node.Descriptor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.get(keyFrom(keyPrefixNode, id))
	if err != nil {
		return nil, err
	}

	d := &node.Descriptor{}
	if err := cbor.Unmarshal(raw, d); err != nil {
		return nil, fserr.Corrupted.Wrap(err)
	}

	// Compare the ID just in case
	if d.ID != id {
		log.Errorf("NodeIndex.Get: node ID mismatch: %s != %s", id, d.ID)
		return nil, fserr.Corrupted.New("node %s stored under %s", d.ID, id)
	}

	return d, nil
}

// ResolveNode implements node.Topology.
func (l *NodeIndex) ResolveNode(ctx context.Context, id string) (*node.Descriptor, error) {
	return l.Get(id)
}

func (l *NodeIndex) Put(d *node.Descriptor) (*node.Descriptor, error) {
	if d == nil || d.ID == "" {
		return nil, fserr.InvalidArgument.New("node without an ID")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := cbor.Marshal(d)
	if err != nil {
		return nil, err
	}
	if err := l.db.Put(keyFrom(keyPrefixNode, d.ID), raw, nil); err != nil {
		return nil, fserr.IOFailure.Wrap(err)
	}

	log.Debugf("NodeIndex.Put: %s at %v", d.ID, d.Names)
	return d, nil
}

func (l *NodeIndex) Enumerate() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []string

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixNode)), nil)
	defer iter.Release()

	for iter.Next() {
		results = append(results, string(iter.Key()[len(keyPrefixNode):]))
	}
	if err := iter.Error(); err != nil {
		return nil, fserr.IOFailure.Wrap(err)
	}

	return results, nil
}
