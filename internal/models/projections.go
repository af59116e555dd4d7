package models

import (
	"time"

	"github.com/google/uuid"
)

// NetworkInterface is a cached row of dladm show-link output. Rows represent
// interfaces, not individual addresses, and survive deletion of a single
// address on the link.
type NetworkInterface struct {
	ID         uuid.UUID `json:"id"`
	Hostname   string    `json:"hostname"`
	Link       string    `json:"link"`
	Class      *string   `json:"class,omitempty"`
	State      *string   `json:"state,omitempty"`
	MTU        *int      `json:"mtu,omitempty"`
	MacAddress *string   `json:"mac_address,omitempty"`
	OverLink   *string   `json:"over_link,omitempty"`
	ScannedAt  time.Time `json:"scanned_at"`
}

// IPAddress is a cached row of ipadm show-addr output, keyed by
// (hostname, addrobj).
type IPAddress struct {
	ID        uuid.UUID `json:"id"`
	Hostname  string    `json:"hostname"`
	AddrObj   string    `json:"addrobj"`
	Interface string    `json:"interface"`
	Type      *string   `json:"type,omitempty"`
	Addr      *string   `json:"addr,omitempty"`
	State     *string   `json:"state,omitempty"`
	ScannedAt time.Time `json:"scanned_at"`
}

// ZFSDataset is a cached row of zfs list output.
type ZFSDataset struct {
	ID         uuid.UUID `json:"id"`
	Hostname   string    `json:"hostname"`
	Name       string    `json:"name"`
	Type       *string   `json:"type,omitempty"`
	Used       *int64    `json:"used,omitempty"`
	Available  *int64    `json:"available,omitempty"`
	Referenced *int64    `json:"referenced,omitempty"`
	Mountpoint *string   `json:"mountpoint,omitempty"`
	ScannedAt  time.Time `json:"scanned_at"`
}

// RebootStatus records the most recent host lifecycle request. A single row
// table; cleared by the reboot-status delete endpoint.
type RebootStatus struct {
	Operation   string    `json:"operation"`
	TaskID      *string   `json:"task_id,omitempty"`
	InitiatedBy *string   `json:"initiated_by,omitempty"`
	GracePeriod *int      `json:"grace_period,omitempty"`
	Message     *string   `json:"message,omitempty"`
	InitiatedAt time.Time `json:"initiated_at"`
}
