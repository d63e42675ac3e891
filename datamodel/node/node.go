package node

import (
	"context"
	"reflect"
	"time"
)

// Descriptor describes a storage node as the cluster topology knows it.
type Descriptor struct {
	ID             string    `cbor:"1,keyasint,omitempty" json:"id"`                // Node identifier as used in recipes
	Names          []string  `cbor:"2,keyasint,omitempty" json:"names"`             // Network names: IP literals and DNS hostnames
	ServiceAddress string    `cbor:"3,keyasint,omitempty" json:"service_address"`   // Advertised service address (host:port), optional
	LastSeen       time.Time `cbor:"4,keyasint,omitempty" json:"last_seen,omitzero"` // Last time the node was registered
}

// Topology resolves node identifiers to their descriptors.
type Topology interface {
	// ResolveNode returns the descriptor of the node with the given ID.
	// It fails with fserr.NotFound if the node is unknown.
	ResolveNode(ctx context.Context, id string) (*Descriptor, error)
}

// NodeIndex defines the interface for managing metadata about nodes.
type NodeIndex interface {
	Topology

	// Get retrieves the descriptor for a node, given the node's ID.
	Get(id string) (*Descriptor, error)

	// Put stores or updates a node's descriptor in the index.
	// It returns the stored Descriptor and an error if the operation fails.
	Put(*Descriptor) (*Descriptor, error)

	// Enumerate returns the IDs of all nodes currently in the index.
	Enumerate() ([]string, error)

	// Close releases any resources held by the index.
	Close() error
}

func IsDescriptorEqual(a *Descriptor, b *Descriptor) bool {
	return reflect.DeepEqual(a, b)
}
