package models

import (
	"time"

	"github.com/google/uuid"
)

// LocationType classifies what a storage location holds.
type LocationType string

const (
	LocationTypeISO          LocationType = "iso"
	LocationTypeImage        LocationType = "image"
	LocationTypeProvisioning LocationType = "provisioning"
)

// Valid returns true if the location type is a known value.
func (t LocationType) Valid() bool {
	switch t {
	case LocationTypeISO, LocationTypeImage, LocationTypeProvisioning:
		return true
	default:
		return false
	}
}

// String returns the string representation.
func (t LocationType) String() string {
	return string(t)
}

// ChecksumAlgorithm names a supported hash algorithm.
type ChecksumAlgorithm string

const (
	ChecksumMD5    ChecksumAlgorithm = "md5"
	ChecksumSHA1   ChecksumAlgorithm = "sha1"
	ChecksumSHA256 ChecksumAlgorithm = "sha256"
)

// Valid returns true if the algorithm is supported.
func (a ChecksumAlgorithm) Valid() bool {
	switch a {
	case ChecksumMD5, ChecksumSHA1, ChecksumSHA256:
		return true
	default:
		return false
	}
}

// ArtifactStorageLocation is a configured filesystem path scanned for artifacts.
// file_count and total_size are cached aggregates maintained by scans and by
// individual artifact mutations.
type ArtifactStorageLocation struct {
	ID               uuid.UUID    `json:"id"`
	Name             string       `json:"name"`
	Path             string       `json:"path"`
	Type             LocationType `json:"type"`
	Enabled          bool         `json:"enabled"`
	FileCount        int          `json:"file_count"`
	TotalSize        int64        `json:"total_size"`
	LastScanAt       *time.Time   `json:"last_scan_at,omitempty"`
	ScanErrors       int          `json:"scan_errors"`
	LastErrorMessage *string      `json:"last_error_message,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Artifact is a file tracked by the inventory. path uniquely identifies it.
type Artifact struct {
	ID                uuid.UUID          `json:"id"`
	StorageLocationID uuid.UUID          `json:"storage_location_id"`
	Filename          string             `json:"filename"`
	Path              string             `json:"path"`
	Size              int64              `json:"size"`
	FileType          *string            `json:"file_type,omitempty"`
	Extension         *string            `json:"extension,omitempty"`
	MimeType          *string            `json:"mime_type,omitempty"`
	Checksum          *string            `json:"checksum,omitempty"`
	ChecksumAlgorithm *ChecksumAlgorithm `json:"checksum_algorithm,omitempty"`
	ChecksumVerified  *bool              `json:"checksum_verified,omitempty"`
	SourceURL         *string            `json:"source_url,omitempty"`
	DiscoveredAt      time.Time          `json:"discovered_at"`
	LastVerified      *time.Time         `json:"last_verified,omitempty"`
}

// LocationDiskUsage carries df-derived usage attached to location listings.
type LocationDiskUsage struct {
	DiskTotal     string `json:"disk_total,omitempty"`
	DiskUsed      string `json:"disk_used,omitempty"`
	DiskAvailable string `json:"disk_available,omitempty"`
	DiskCapacity  string `json:"disk_capacity,omitempty"`
}

// LocationWithUsage is the list representation of a storage location.
type LocationWithUsage struct {
	ArtifactStorageLocation
	LocationDiskUsage
}

// ArtifactStats summarizes the inventory for the stats endpoint.
type ArtifactStats struct {
	TotalArtifacts   int64            `json:"total_artifacts"`
	TotalSize        int64            `json:"total_size"`
	ByType           map[string]int64 `json:"by_type"`
	Locations        int64            `json:"locations"`
	EnabledLocations int64            `json:"enabled_locations"`
}
