package protocol

import (
	"chunkfs/datamodel/node"
	"chunkfs/datamodel/object"
	"chunkfs/datamodel/recipe"
	"chunkfs/oid"
)

// ServiceName is the crpc service exposed by a chunk node.
const ServiceName = "ChunkService"

const (
	MethodPing        = ServiceName + ".Ping"
	MethodGetRecipe   = ServiceName + ".GetRecipe"
	MethodGetMetadata = ServiceName + ".GetMetadata"
	MethodGetListing  = ServiceName + ".GetListing"
	MethodGetNode     = ServiceName + ".GetNode"
	MethodFetchChunk  = ServiceName + ".FetchChunk"
)

type PingRequest struct {
	NodeID string `cbor:"1,keyasint,omitempty"` // Calling node, empty for clients
}

type PingResponse struct {
	Node node.Descriptor `cbor:"1,keyasint,omitempty"` // Responding node
}

type PathRequest struct {
	Path string `cbor:"1,keyasint,omitempty"` // Absolute object path
}

type RecipeResponse struct {
	Recipe *recipe.Recipe `cbor:"1,keyasint,omitempty"`
}

type MetadataResponse struct {
	Metadata object.Metadata `cbor:"1,keyasint,omitempty"`
}

type ListingResponse struct {
	Children []object.Metadata `cbor:"1,keyasint,omitempty"` // Children in catalog order
}

type NodeRequest struct {
	NodeID string `cbor:"1,keyasint,omitempty"`
}

type NodeResponse struct {
	Node node.Descriptor `cbor:"1,keyasint,omitempty"`
}

type ChunkRequest struct {
	Path     string     `cbor:"1,keyasint,omitempty"` // Object the chunk belongs to
	Hash     oid.Oid    `cbor:"2,keyasint,omitempty"` // Content address of the chunk
	Accepted []Encoding `cbor:"3,keyasint,omitempty"` // Payload encodings the caller can decode
}

type ChunkResponse struct {
	Encoding Encoding `cbor:"1,keyasint,omitempty"` // Encoding of Data
	Size     int64    `cbor:"2,keyasint,omitempty"` // Decoded size
	Data     []byte   `cbor:"3,keyasint,omitempty"`
}

// DiscoveryName is the mpubsub service receiving node announcements.
const DiscoveryName = "Discovery"

const MethodAnnounce = DiscoveryName + ".Announce"

// Announcement advertises a node to the multicast group. Reply is set on
// the answer to a newly seen node and is never answered itself.
type Announcement struct {
	Node  node.Descriptor `cbor:"1,keyasint,omitempty"`
	Reply bool            `cbor:"2,keyasint,omitempty"`
}
