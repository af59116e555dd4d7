package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/omniforge/zonemind/internal/command"
	"github.com/omniforge/zonemind/internal/models"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

// VdevSpec is one vdev in a pool layout. A bare JSON string is accepted as
// a single-disk vdev.
type VdevSpec struct {
	Type    string   `json:"type,omitempty"`
	Devices []string `json:"devices"`
}

// UnmarshalJSON accepts either {"type":"mirror","devices":[...]} or a bare
// device string.
func (v *VdevSpec) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var dev string
		if err := json.Unmarshal(data, &dev); err != nil {
			return err
		}
		*v = VdevSpec{Devices: []string{dev}}
		return nil
	}
	type plain VdevSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*v = VdevSpec(p)
	return nil
}

// ZpoolCreateParams describes a zpool_create task.
type ZpoolCreateParams struct {
	PoolName   string            `json:"pool_name" validate:"required"`
	Vdevs      []VdevSpec        `json:"vdevs" validate:"required,min=1"`
	Properties map[string]string `json:"properties,omitempty"`
	MountPoint string            `json:"mount_point,omitempty"`
	Force      bool              `json:"force,omitempty"`
}

// ZpoolDestroyParams describes a zpool_destroy task.
type ZpoolDestroyParams struct {
	PoolName string `json:"pool_name" validate:"required"`
	Force    bool   `json:"force,omitempty"`
}

// ZpoolSetPropertiesParams describes a zpool_set_properties task.
type ZpoolSetPropertiesParams struct {
	PoolName   string            `json:"pool_name" validate:"required"`
	Properties map[string]string `json:"properties" validate:"required"`
}

var poolNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.:-]*$`)

// reservedPoolPrefixes are names zpool(8) refuses; rejecting them up front
// gives a clearer error than the tool's.
var reservedPoolPrefixes = []string{"mirror", "raidz", "draid", "spare", "log"}

// ValidatePoolName enforces zpool naming rules.
func ValidatePoolName(name string) error {
	if name == "" {
		return fmt.Errorf("pool_name is required")
	}
	if !poolNameRe.MatchString(name) {
		return fmt.Errorf("invalid pool name %q: must start with a letter and contain only alphanumerics, '_', '.', ':' or '-'", name)
	}
	lower := strings.ToLower(name)
	for _, p := range reservedPoolPrefixes {
		if strings.HasPrefix(lower, p) {
			return fmt.Errorf("invalid pool name %q: %q is reserved", name, p)
		}
	}
	if matched, _ := regexp.MatchString(`^c[0-9]`, lower); matched {
		return fmt.Errorf("invalid pool name %q: names beginning with c<digit> collide with device names", name)
	}
	return nil
}

// vdevMinDevices is the minimum device count per typed vdev.
var vdevMinDevices = map[string]int{
	"":       1,
	"mirror": 2,
	"raidz":  2,
	"raidz1": 2,
	"raidz2": 3,
	"raidz3": 4,
	"spare":  1,
	"log":    1,
	"cache":  1,
}

// ValidateVdevs checks a pool layout.
func ValidateVdevs(vdevs []VdevSpec) error {
	if len(vdevs) == 0 {
		return fmt.Errorf("at least one vdev is required")
	}
	for i, v := range vdevs {
		minDev, ok := vdevMinDevices[v.Type]
		if !ok {
			return fmt.Errorf("vdev %d: unknown type %q", i, v.Type)
		}
		if len(v.Devices) < minDev {
			if v.Type == "" {
				return fmt.Errorf("vdev %d: at least one device is required", i)
			}
			return fmt.Errorf("vdev %d: %s requires at least %d devices", i, v.Type, minDev)
		}
		for _, d := range v.Devices {
			if strings.TrimSpace(d) == "" {
				return fmt.Errorf("vdev %d: empty device name", i)
			}
		}
	}
	return nil
}

// zpoolCreateLine assembles the zpool create command. Properties are emitted
// in sorted order so the line is stable.
func zpoolCreateLine(p *ZpoolCreateParams) string {
	args := []string{"zpool", "create"}
	if p.Force {
		args = append(args, "-f")
	}
	if p.MountPoint != "" {
		args = append(args, "-m", command.Quote(p.MountPoint))
	}
	keys := make([]string, 0, len(p.Properties))
	for k := range p.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-o", command.Quote(k+"="+p.Properties[k]))
	}
	args = append(args, p.PoolName)
	for _, v := range p.Vdevs {
		if v.Type != "" {
			args = append(args, v.Type)
		}
		args = append(args, v.Devices...)
	}
	return strings.Join(args, " ")
}

func (e *Executor) handleZpoolCreate(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p ZpoolCreateParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	if err := ValidatePoolName(p.PoolName); err != nil {
		return nil, err
	}
	if err := ValidateVdevs(p.Vdevs); err != nil {
		return nil, err
	}
	if h.Cancelled(ctx) {
		return nil, taskqueue.ErrCancelled
	}

	line := zpoolCreateLine(&p)
	e.logger.Info("creating pool", "pool", p.PoolName, "task_id", h.ID())
	if r := e.runner.Run(ctx, command.Privileged(line)); !r.Success {
		return nil, fmt.Errorf("zpool create failed: %s", r.Error)
	}

	e.refreshDatasetProjection(ctx, p.PoolName)
	return taskqueue.Succeed("pool %s created", p.PoolName), nil
}

func (e *Executor) handleZpoolDestroy(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p ZpoolDestroyParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	if err := ValidatePoolName(p.PoolName); err != nil {
		return nil, err
	}
	if h.Cancelled(ctx) {
		return nil, taskqueue.ErrCancelled
	}

	line := "zpool destroy "
	if p.Force {
		line += "-f "
	}
	line += p.PoolName

	e.logger.Info("destroying pool", "pool", p.PoolName, "task_id", h.ID())
	if r := e.runner.Run(ctx, command.Privileged(line)); !r.Success {
		return nil, fmt.Errorf("zpool destroy failed: %s", r.Error)
	}

	if err := e.projections.DeleteDatasetTree(ctx, e.hostname, p.PoolName); err != nil {
		e.logger.Error("dataset projection cleanup failed", "pool", p.PoolName, "error", err)
	}
	return taskqueue.Succeed("pool %s destroyed", p.PoolName), nil
}

func (e *Executor) handleZpoolSetProperties(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p ZpoolSetPropertiesParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	if err := ValidatePoolName(p.PoolName); err != nil {
		return nil, err
	}
	if len(p.Properties) == 0 {
		return nil, fmt.Errorf("properties is required")
	}

	keys := make([]string, 0, len(p.Properties))
	for k := range p.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Each property is its own zpool set so one bad value does not block
	// the rest.
	type propErr struct {
		Property string `json:"property"`
		Error    string `json:"error"`
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	var failures []propErr

	for _, k := range keys {
		wg.Add(1)
		go func(key, value string) {
			defer wg.Done()
			line := "zpool set " + command.Quote(key+"="+value) + " " + p.PoolName
			if r := e.runner.Run(ctx, command.Privileged(line)); !r.Success {
				mu.Lock()
				failures = append(failures, propErr{Property: key, Error: r.Error})
				mu.Unlock()
			}
		}(k, p.Properties[k])
	}
	wg.Wait()

	sort.Slice(failures, func(i, j int) bool { return failures[i].Property < failures[j].Property })

	if len(failures) == len(keys) {
		return nil, fmt.Errorf("all %d properties failed on %s", len(keys), p.PoolName)
	}
	if len(failures) > 0 {
		res := taskqueue.Succeed("set %d of %d properties on %s", len(keys)-len(failures), len(keys), p.PoolName)
		res.Data = map[string]any{"failed_properties": failures}
		return res, nil
	}
	return taskqueue.Succeed("set %d properties on %s", len(keys), p.PoolName), nil
}

// refreshDatasetProjection re-reads the dataset tree under root and upserts
// the cached rows. Failures only log; the pool operation already succeeded.
func (e *Executor) refreshDatasetProjection(ctx context.Context, root string) {
	r := e.runner.Run(ctx, "zfs list -Hp -o name,type,used,avail,refer,mountpoint -r "+command.Quote(root))
	if !r.Success {
		e.logger.Error("zfs list failed after pool change", "root", root, "error", r.Error)
		return
	}
	for _, ds := range parseZfsList(r.Output, e.hostname) {
		if err := e.projections.UpsertDataset(ctx, ds); err != nil {
			e.logger.Error("dataset projection write failed", "dataset", ds.Name, "error", err)
		}
	}
}

// parseZfsList parses zfs list -Hp tab-separated rows.
func parseZfsList(output, hostname string) []*models.ZFSDataset {
	var out []*models.ZFSDataset
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 6 || fields[0] == "" {
			continue
		}
		ds := &models.ZFSDataset{Hostname: hostname, Name: fields[0]}
		if fields[1] != "-" {
			t := fields[1]
			ds.Type = &t
		}
		if n, err := strconv.ParseInt(fields[2], 10, 64); err == nil {
			ds.Used = &n
		}
		if n, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
			ds.Available = &n
		}
		if n, err := strconv.ParseInt(fields[4], 10, 64); err == nil {
			ds.Referenced = &n
		}
		if fields[5] != "-" {
			mp := fields[5]
			ds.Mountpoint = &mp
		}
		out = append(out, ds)
	}
	return out
}
