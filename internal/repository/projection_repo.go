package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omniforge/zonemind/internal/models"
)

// ProjectionRepository maintains the cached views of host network and
// storage state. Executors write through here after the corresponding
// system command succeeds; reads never touch the live system.
type ProjectionRepository interface {
	UpsertInterface(ctx context.Context, iface *models.NetworkInterface) error
	ListInterfaces(ctx context.Context, hostname string) ([]*models.NetworkInterface, error)

	UpsertIPAddress(ctx context.Context, addr *models.IPAddress) error
	ListIPAddresses(ctx context.Context, hostname string) ([]*models.IPAddress, error)
	DeleteIPAddress(ctx context.Context, hostname, addrobj string) error

	UpsertDataset(ctx context.Context, dataset *models.ZFSDataset) error
	ListDatasets(ctx context.Context, hostname string) ([]*models.ZFSDataset, error)
	DeleteDatasetTree(ctx context.Context, hostname, name string) error

	SetRebootStatus(ctx context.Context, status *models.RebootStatus) error
	GetRebootStatus(ctx context.Context) (*models.RebootStatus, error)
	ClearRebootStatus(ctx context.Context) (bool, error)
}

type projectionRepo struct {
	pool *pgxpool.Pool
}

// NewProjectionRepository creates a new projection repository.
func NewProjectionRepository(pool *pgxpool.Pool) ProjectionRepository {
	return &projectionRepo{pool: pool}
}

// UpsertInterface inserts or refreshes a link row.
func (r *projectionRepo) UpsertInterface(ctx context.Context, iface *models.NetworkInterface) error {
	query := `
		INSERT INTO network_interfaces (id, hostname, link, class, state, mtu, mac_address, over_link, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (hostname, link) DO UPDATE SET
			class = EXCLUDED.class,
			state = EXCLUDED.state,
			mtu = EXCLUDED.mtu,
			mac_address = EXCLUDED.mac_address,
			over_link = EXCLUDED.over_link,
			scanned_at = NOW()`

	if iface.ID == uuid.Nil {
		iface.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, query,
		iface.ID, iface.Hostname, iface.Link, iface.Class, iface.State, iface.MTU, iface.MacAddress, iface.OverLink)
	return err
}

// ListInterfaces returns the cached links for a host.
func (r *projectionRepo) ListInterfaces(ctx context.Context, hostname string) ([]*models.NetworkInterface, error) {
	query := `
		SELECT id, hostname, link, class, state, mtu, mac_address, over_link, scanned_at
		FROM network_interfaces WHERE hostname = $1 ORDER BY link`

	rows, err := r.pool.Query(ctx, query, hostname)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ifaces []*models.NetworkInterface
	for rows.Next() {
		var i models.NetworkInterface
		if err := rows.Scan(&i.ID, &i.Hostname, &i.Link, &i.Class, &i.State, &i.MTU, &i.MacAddress, &i.OverLink, &i.ScannedAt); err != nil {
			return nil, err
		}
		ifaces = append(ifaces, &i)
	}
	return ifaces, rows.Err()
}

// UpsertIPAddress inserts or refreshes an address row keyed by addrobj.
func (r *projectionRepo) UpsertIPAddress(ctx context.Context, addr *models.IPAddress) error {
	query := `
		INSERT INTO ip_addresses (id, hostname, addrobj, interface, type, addr, state, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (hostname, addrobj) DO UPDATE SET
			interface = EXCLUDED.interface,
			type = EXCLUDED.type,
			addr = EXCLUDED.addr,
			state = EXCLUDED.state,
			scanned_at = NOW()`

	if addr.ID == uuid.Nil {
		addr.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, query,
		addr.ID, addr.Hostname, addr.AddrObj, addr.Interface, addr.Type, addr.Addr, addr.State)
	return err
}

// ListIPAddresses returns the cached addresses for a host.
func (r *projectionRepo) ListIPAddresses(ctx context.Context, hostname string) ([]*models.IPAddress, error) {
	query := `
		SELECT id, hostname, addrobj, interface, type, addr, state, scanned_at
		FROM ip_addresses WHERE hostname = $1 ORDER BY addrobj`

	rows, err := r.pool.Query(ctx, query, hostname)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addrs []*models.IPAddress
	for rows.Next() {
		var a models.IPAddress
		if err := rows.Scan(&a.ID, &a.Hostname, &a.AddrObj, &a.Interface, &a.Type, &a.Addr, &a.State, &a.ScannedAt); err != nil {
			return nil, err
		}
		addrs = append(addrs, &a)
	}
	return addrs, rows.Err()
}

// DeleteIPAddress removes a cached address row.
func (r *projectionRepo) DeleteIPAddress(ctx context.Context, hostname, addrobj string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM ip_addresses WHERE hostname = $1 AND addrobj = $2`, hostname, addrobj)
	return err
}

// UpsertDataset inserts or refreshes a dataset row.
func (r *projectionRepo) UpsertDataset(ctx context.Context, dataset *models.ZFSDataset) error {
	query := `
		INSERT INTO zfs_datasets (id, hostname, name, type, used, available, referenced, mountpoint, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (hostname, name) DO UPDATE SET
			type = EXCLUDED.type,
			used = EXCLUDED.used,
			available = EXCLUDED.available,
			referenced = EXCLUDED.referenced,
			mountpoint = EXCLUDED.mountpoint,
			scanned_at = NOW()`

	if dataset.ID == uuid.Nil {
		dataset.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, query,
		dataset.ID, dataset.Hostname, dataset.Name, dataset.Type, dataset.Used, dataset.Available, dataset.Referenced, dataset.Mountpoint)
	return err
}

// ListDatasets returns the cached datasets for a host.
func (r *projectionRepo) ListDatasets(ctx context.Context, hostname string) ([]*models.ZFSDataset, error) {
	query := `
		SELECT id, hostname, name, type, used, available, referenced, mountpoint, scanned_at
		FROM zfs_datasets WHERE hostname = $1 ORDER BY name`

	rows, err := r.pool.Query(ctx, query, hostname)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var datasets []*models.ZFSDataset
	for rows.Next() {
		var d models.ZFSDataset
		if err := rows.Scan(&d.ID, &d.Hostname, &d.Name, &d.Type, &d.Used, &d.Available, &d.Referenced, &d.Mountpoint, &d.ScannedAt); err != nil {
			return nil, err
		}
		datasets = append(datasets, &d)
	}
	return datasets, rows.Err()
}

// DeleteDatasetTree removes a dataset and all cached descendants, matching
// zfs destroy -r semantics.
func (r *projectionRepo) DeleteDatasetTree(ctx context.Context, hostname, name string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM zfs_datasets WHERE hostname = $1 AND (name = $2 OR name LIKE $2 || '/%')`,
		hostname, name)
	return err
}

// SetRebootStatus records the in-flight lifecycle request, replacing any
// previous row.
func (r *projectionRepo) SetRebootStatus(ctx context.Context, status *models.RebootStatus) error {
	query := `
		INSERT INTO host_reboot_status (id, operation, task_id, initiated_by, grace_period, message, initiated_at)
		VALUES (1, $1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			operation = EXCLUDED.operation,
			task_id = EXCLUDED.task_id,
			initiated_by = EXCLUDED.initiated_by,
			grace_period = EXCLUDED.grace_period,
			message = EXCLUDED.message,
			initiated_at = NOW()`

	_, err := r.pool.Exec(ctx, query,
		status.Operation, status.TaskID, status.InitiatedBy, status.GracePeriod, status.Message)
	return err
}

// GetRebootStatus returns the current lifecycle record, or nil when none.
func (r *projectionRepo) GetRebootStatus(ctx context.Context) (*models.RebootStatus, error) {
	query := `
		SELECT operation, task_id, initiated_by, grace_period, message, initiated_at
		FROM host_reboot_status WHERE id = 1`

	var s models.RebootStatus
	err := r.pool.QueryRow(ctx, query).
		Scan(&s.Operation, &s.TaskID, &s.InitiatedBy, &s.GracePeriod, &s.Message, &s.InitiatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ClearRebootStatus deletes the lifecycle record. Returns false when there
// was nothing to clear.
func (r *projectionRepo) ClearRebootStatus(ctx context.Context) (bool, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM host_reboot_status WHERE id = 1`)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// Compile-time check to ensure projectionRepo implements ProjectionRepository.
var _ ProjectionRepository = (*projectionRepo)(nil)
