package model

import (
	"github.com/wolfeidau/sidecar"
)

// Collection names.
const (
	collectionBundles  = "bundles"
	collectionAssets   = "assets"
	collectionGC       = "gc"
	collectionDHT      = "dht"
	collectionManifest = "manifest"

	singletonKey = "singleton"
)

var collections = []string{
	collectionBundles,
	collectionAssets,
	collectionGC,
	collectionDHT,
	collectionManifest,
}

// Bundle is the locally known state of one application, keyed by its
// canonical origin.
type Bundle struct {
	Link          string                 `json:"link"`
	AppStorage    string                 `json:"appStorage"`
	EncryptionKey *sidecar.EncryptionKey `json:"encryptionKey,omitempty"`
	Tags          []string               `json:"tags,omitempty"`
	Presets       []Preset               `json:"presets,omitempty"`
}

// Preset is a stored set of flags applied to one command for a bundle.
type Preset struct {
	Command string   `json:"command"`
	Flags   []string `json:"flags"`
}

// Asset is a downloaded artifact, keyed by its normalized link.
type Asset struct {
	Link           string `json:"link"`
	Path           string `json:"path"`
	BytesAllocated int64  `json:"bytesAllocated,omitempty"`
	// Inserted reports whether the last TouchAsset created the record.
	Inserted bool `json:"inserted,omitempty" cbor:"-"`
}

// GCEntry is a filesystem path queued for deletion.
type GCEntry struct {
	Path string `json:"path"`
}

// DHTNode is a cached bootstrap peer.
type DHTNode struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// Manifest records the schema version of the store.
type Manifest struct {
	Version uint32 `json:"version"`
}

type dhtRecord struct {
	Nodes []DHTNode `json:"nodes"`
}

// ShiftResult holds both bundles after a successful ShiftAppStorage.
type ShiftResult struct {
	Src Bundle `json:"src"`
	Dst Bundle `json:"dst"`
}
