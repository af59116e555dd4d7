package executor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/omniforge/zonemind/internal/command"
	"github.com/omniforge/zonemind/internal/models"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

const (
	defaultGracePeriod = 60
	maxGracePeriod     = 7200
	maxMessageLength   = 200

	defaultZoneTimeout = 120 * time.Second
)

// ZoneOrchestrationPlan controls how non-global zones are brought down
// before a host lifecycle operation.
type ZoneOrchestrationPlan struct {
	Enabled              bool           `json:"enabled"`
	Strategy             string         `json:"strategy,omitempty"`
	FailureAction        string         `json:"failure_action,omitempty"`
	PriorityDelaySeconds int            `json:"priority_delay_seconds,omitempty"`
	ZoneTimeoutSeconds   int            `json:"zone_timeout_seconds,omitempty"`
	Priorities           map[string]int `json:"priorities,omitempty"`
}

// HostLifecycleParams describes any host lifecycle task. Runlevel is only
// meaningful for runlevel_change, Emergency only for halt.
type HostLifecycleParams struct {
	GracePeriodSeconds *int                   `json:"grace_period_seconds,omitempty"`
	Message            string                 `json:"message,omitempty"`
	Runlevel           string                 `json:"runlevel,omitempty"`
	Emergency          bool                   `json:"emergency,omitempty"`
	InitiatedBy        string                 `json:"initiated_by,omitempty"`
	ZoneOrchestration  *ZoneOrchestrationPlan `json:"zone_orchestration,omitempty"`
}

// OrchestrationReport summarizes the zone shutdown pass.
type OrchestrationReport struct {
	Stopped []string `json:"stopped,omitempty"`
	Forced  []string `json:"forced,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
}

var runlevelRe = regexp.MustCompile(`^[0-6sS]$`)

// messageStrip removes the characters that would break the quoted shutdown
// broadcast.
var messageStrip = strings.NewReplacer("'", "", `"`, "", "`", "")

// SanitizeMessage strips shell-sensitive quoting characters from a
// broadcast message.
func SanitizeMessage(msg string) string {
	return strings.TrimSpace(messageStrip.Replace(msg))
}

// ValidateLifecycleParams checks a lifecycle request for one operation and
// returns the effective grace period.
func ValidateLifecycleParams(operation string, p *HostLifecycleParams) (int, error) {
	grace := defaultGracePeriod
	if p.GracePeriodSeconds != nil {
		grace = *p.GracePeriodSeconds
	}
	if grace < 0 {
		return 0, fmt.Errorf("grace period cannot be negative")
	}
	if grace > maxGracePeriod {
		return 0, fmt.Errorf("grace period cannot exceed 2 hours")
	}
	if len(SanitizeMessage(p.Message)) > maxMessageLength {
		return 0, fmt.Errorf("message must be at most %d characters", maxMessageLength)
	}

	switch operation {
	case models.OpHostHalt:
		if !p.Emergency {
			return 0, fmt.Errorf("halt skips filesystem sync; set emergency to confirm")
		}
	case models.OpHostRunlevelChange:
		if !runlevelRe.MatchString(p.Runlevel) {
			return 0, fmt.Errorf("runlevel must be one of 0-6, s or S")
		}
	default:
		if p.Runlevel != "" {
			return 0, fmt.Errorf("runlevel is only valid for %s", models.OpHostRunlevelChange)
		}
	}

	if plan := p.ZoneOrchestration; plan != nil && plan.Enabled {
		switch plan.Strategy {
		case "", "sequential", "staggered", "parallel_by_priority":
		default:
			return 0, fmt.Errorf("zone_orchestration.strategy must be sequential, staggered or parallel_by_priority")
		}
		switch plan.FailureAction {
		case "", "abort", "force_stuck", "skip_stuck":
		default:
			return 0, fmt.Errorf("zone_orchestration.failure_action must be abort, force_stuck or skip_stuck")
		}
	}
	return grace, nil
}

// lifecycleCommand maps an operation to its command line. Shutdown-family
// operations broadcast the sanitized message and honor the grace period;
// the immediate family ignores both.
func lifecycleCommand(operation string, grace int, message, runlevel string) (string, error) {
	shutdownTo := func(state string) string {
		line := fmt.Sprintf("shutdown -y -g %d -i %s", grace, state)
		if msg := SanitizeMessage(message); msg != "" {
			line += " " + command.Quote(msg)
		}
		return line
	}

	switch operation {
	case models.OpHostRestart:
		return shutdownTo("6"), nil
	case models.OpHostShutdown:
		return shutdownTo("5"), nil
	case models.OpHostEnterSingleUser:
		return shutdownTo("s"), nil
	case models.OpHostReboot:
		return "reboot", nil
	case models.OpHostFastReboot:
		return "reboot -f", nil
	case models.OpHostPoweroff:
		return "poweroff", nil
	case models.OpHostHalt:
		return "halt", nil
	case models.OpHostEnterMultiUser:
		return "init 3", nil
	case models.OpHostRunlevelChange:
		return "init " + strings.ToLower(runlevel), nil
	default:
		return "", fmt.Errorf("unknown lifecycle operation %s", operation)
	}
}

// detached wraps a lifecycle command so it survives this process: the task
// must finalize before init tears the service down.
func detached(inner string) string {
	return "nohup sh -c " + command.Quote("sleep 2; "+inner) + " >/dev/null 2>&1 &"
}

// hostLifecycleHandler builds the task handler for one lifecycle operation.
func (e *Executor) hostLifecycleHandler(operation string) taskqueue.HandlerFunc {
	return func(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
		var p HostLifecycleParams
		if err := h.Params(&p); err != nil {
			return nil, err
		}
		grace, err := ValidateLifecycleParams(operation, &p)
		if err != nil {
			return nil, err
		}
		if h.Cancelled(ctx) {
			return nil, taskqueue.ErrCancelled
		}

		var report *OrchestrationReport
		if plan := p.ZoneOrchestration; plan != nil && plan.Enabled {
			report, err = e.orchestrateZones(ctx, h, plan)
			if err != nil {
				return nil, err
			}
		}

		line, err := lifecycleCommand(operation, grace, p.Message, p.Runlevel)
		if err != nil {
			return nil, err
		}

		e.logger.Warn("executing host lifecycle operation",
			"operation", operation, "grace_period", grace, "task_id", h.ID())
		if r := e.runner.Run(ctx, command.Privileged(detached(line))); !r.Success {
			return nil, fmt.Errorf("%s failed: %s", operation, r.Error)
		}

		res := taskqueue.Succeed("%s initiated (grace period %ds)", operation, grace)
		if report != nil {
			res.Data = report
		}
		return res, nil
	}
}

// zoneadmEntry is one parsed zoneadm list row.
type zoneadmEntry struct {
	Name  string
	State string
	Brand string
}

// runningZones lists non-global zones currently running.
func (e *Executor) runningZones(ctx context.Context) ([]zoneadmEntry, error) {
	r := e.runner.Run(ctx, "zoneadm list -p")
	if !r.Success {
		return nil, fmt.Errorf("zoneadm list failed: %s", r.Error)
	}
	var zones []zoneadmEntry
	for _, line := range strings.Split(strings.TrimSpace(r.Output), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) < 3 || fields[1] == "global" || fields[1] == "" {
			continue
		}
		entry := zoneadmEntry{Name: fields[1], State: fields[2]}
		if len(fields) > 5 {
			entry.Brand = fields[5]
		}
		zones = append(zones, entry)
	}
	return zones, nil
}

// orchestrateZones shuts down running zones per the plan before the host
// operation proceeds. Returns an error only when the plan demands abort.
func (e *Executor) orchestrateZones(ctx context.Context, h *taskqueue.Handle, plan *ZoneOrchestrationPlan) (*OrchestrationReport, error) {
	zones, err := e.runningZones(ctx)
	if err != nil {
		return nil, err
	}
	report := &OrchestrationReport{}
	if len(zones) == 0 {
		return report, nil
	}

	timeout := time.Duration(plan.ZoneTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultZoneTimeout
	}
	delay := time.Duration(plan.PriorityDelaySeconds) * time.Second

	groups := orchestrationGroups(zones, plan)
	total := len(zones)
	done := 0

	for gi, group := range groups {
		if h.Cancelled(ctx) {
			return nil, taskqueue.ErrCancelled
		}
		if gi > 0 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		switch plan.Strategy {
		case "parallel_by_priority":
			var wg sync.WaitGroup
			var mu sync.Mutex
			var firstErr error
			for _, z := range group {
				wg.Add(1)
				go func(zone string) {
					defer wg.Done()
					err := e.stopZone(ctx, zone, timeout, plan.FailureAction, report, &mu)
					mu.Lock()
					if err != nil && firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}(z)
			}
			wg.Wait()
			if firstErr != nil {
				return nil, firstErr
			}
			done += len(group)
		default:
			var mu sync.Mutex
			for _, z := range group {
				if h.Cancelled(ctx) {
					return nil, taskqueue.ErrCancelled
				}
				if err := e.stopZone(ctx, z, timeout, plan.FailureAction, report, &mu); err != nil {
					return nil, err
				}
				done++
				if plan.Strategy == "staggered" && delay > 0 && done < total {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}
			}
		}

		percent := 10 + done*50/total
		h.AsyncProgress(percent, map[string]any{
			"stage":         "zone_orchestration",
			"zones_stopped": done,
			"zones_total":   total,
		})
	}
	return report, nil
}

// orchestrationGroups orders zones into shutdown batches. Priorities run
// highest first; unlisted zones default to zero.
func orchestrationGroups(zones []zoneadmEntry, plan *ZoneOrchestrationPlan) [][]string {
	if plan.Strategy != "parallel_by_priority" {
		names := make([]string, 0, len(zones))
		for _, z := range zones {
			names = append(names, z.Name)
		}
		return [][]string{names}
	}

	byPriority := map[int][]string{}
	for _, z := range zones {
		p := plan.Priorities[z.Name]
		byPriority[p] = append(byPriority[p], z.Name)
	}
	priorities := make([]int, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	for i := 0; i < len(priorities); i++ {
		for j := i + 1; j < len(priorities); j++ {
			if priorities[j] > priorities[i] {
				priorities[i], priorities[j] = priorities[j], priorities[i]
			}
		}
	}
	groups := make([][]string, 0, len(priorities))
	for _, p := range priorities {
		groups = append(groups, byPriority[p])
	}
	return groups
}

// stopZone shuts one zone down gracefully, escalating per failure_action.
func (e *Executor) stopZone(ctx context.Context, zone string, timeout time.Duration, failureAction string, report *OrchestrationReport, mu *sync.Mutex) error {
	e.logger.Info("stopping zone", "zone", zone, "timeout", timeout.String())
	r := e.runner.RunTimeout(ctx, command.Privileged("zoneadm -z "+command.Quote(zone)+" shutdown"), timeout)
	if r.Success {
		mu.Lock()
		report.Stopped = append(report.Stopped, zone)
		mu.Unlock()
		return nil
	}

	switch failureAction {
	case "force_stuck":
		e.logger.Warn("zone shutdown stuck, halting", "zone", zone, "error", r.Error)
		if hr := e.runner.RunTimeout(ctx, command.Privileged("zoneadm -z "+command.Quote(zone)+" halt"), time.Minute); !hr.Success {
			return fmt.Errorf("zone %s could not be halted: %s", zone, hr.Error)
		}
		mu.Lock()
		report.Forced = append(report.Forced, zone)
		mu.Unlock()
		return nil
	case "skip_stuck":
		e.logger.Warn("zone shutdown stuck, skipping", "zone", zone, "error", r.Error)
		mu.Lock()
		report.Skipped = append(report.Skipped, zone)
		mu.Unlock()
		return nil
	default:
		return fmt.Errorf("zone %s failed to shut down: %s", zone, r.Error)
	}
}

// HostStatus is the synchronous host state summary. Network and storage
// sections come from the projection tables, not live ipadm/zfs.
type HostStatus struct {
	Hostname        string                     `json:"hostname"`
	OS              string                     `json:"os,omitempty"`
	CurrentRunlevel string                     `json:"current_runlevel,omitempty"`
	UptimeSeconds   int64                      `json:"uptime_seconds,omitempty"`
	LoadAverages    []float64                  `json:"load_averages,omitempty"`
	Zones           []ZoneInfo                 `json:"zones,omitempty"`
	Interfaces      []*models.NetworkInterface `json:"network_interfaces,omitempty"`
	Addresses       []*models.IPAddress        `json:"ip_addresses,omitempty"`
	Datasets        []*models.ZFSDataset       `json:"zfs_datasets,omitempty"`
}

// ZoneInfo is one zone's state in the host status.
type ZoneInfo struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Brand string `json:"brand,omitempty"`
}

// Status collects the live host summary. Individual probe failures degrade
// to missing fields rather than failing the whole endpoint.
func (e *Executor) Status(ctx context.Context) *HostStatus {
	status := &HostStatus{Hostname: e.hostname}

	if r := e.runner.Run(ctx, "uname -srv"); r.Success {
		status.OS = strings.TrimSpace(r.Output)
	}
	if level, err := e.CurrentRunlevel(ctx); err == nil {
		status.CurrentRunlevel = level
	}
	if r := e.runner.Run(ctx, "uptime"); r.Success {
		secs, loads := parseUptime(r.Output)
		status.UptimeSeconds = secs
		status.LoadAverages = loads
	}
	if zones, err := e.runningZones(ctx); err == nil {
		for _, z := range zones {
			status.Zones = append(status.Zones, ZoneInfo{Name: z.Name, State: z.State, Brand: z.Brand})
		}
	}
	if ifaces, err := e.projections.ListInterfaces(ctx, e.hostname); err == nil {
		status.Interfaces = ifaces
	}
	if addrs, err := e.projections.ListIPAddresses(ctx, e.hostname); err == nil {
		status.Addresses = addrs
	}
	if datasets, err := e.projections.ListDatasets(ctx, e.hostname); err == nil {
		status.Datasets = datasets
	}
	return status
}

// CurrentRunlevel reads the init state from who -r.
func (e *Executor) CurrentRunlevel(ctx context.Context) (string, error) {
	r := e.runner.Run(ctx, "who -r")
	if !r.Success {
		return "", fmt.Errorf("who -r failed: %s", r.Error)
	}
	fields := strings.Fields(r.Output)
	for i, f := range fields {
		if f == "run-level" && i+1 < len(fields) {
			return fields[i+1], nil
		}
	}
	return "", fmt.Errorf("unexpected who -r output %q", strings.TrimSpace(r.Output))
}

var loadAvgRe = regexp.MustCompile(`load average[s]?:\s*([0-9.]+),\s*([0-9.]+),\s*([0-9.]+)`)

// parseUptime extracts uptime seconds and load averages from uptime(1)
// output. The duration grammar varies; unrecognized forms yield zero.
func parseUptime(output string) (int64, []float64) {
	var loads []float64
	if m := loadAvgRe.FindStringSubmatch(output); m != nil {
		for _, s := range m[1:] {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				loads = nil
				break
			}
			loads = append(loads, f)
		}
	}

	idx := strings.Index(output, " up ")
	if idx == -1 {
		return 0, loads
	}
	segment := output[idx+4:]
	if end := strings.Index(segment, "user"); end != -1 {
		// Trim back through the user count to the duration fields.
		if comma := strings.LastIndex(segment[:end], ","); comma != -1 {
			segment = segment[:comma]
		}
	}
	if lidx := strings.Index(segment, "load average"); lidx != -1 {
		segment = segment[:lidx]
	}

	var seconds int64
	for _, part := range strings.Split(segment, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Fields(part)
		switch {
		case len(fields) >= 2 && strings.HasPrefix(fields[1], "day"):
			if n, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
				seconds += n * 86400
			}
		case len(fields) >= 2 && strings.HasPrefix(fields[1], "hr"):
			if n, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
				seconds += n * 3600
			}
		case len(fields) >= 2 && strings.HasPrefix(fields[1], "min"):
			if n, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
				seconds += n * 60
			}
		case len(fields) >= 1 && strings.Contains(fields[0], ":"):
			hm := strings.SplitN(fields[0], ":", 2)
			if h, err := strconv.ParseInt(hm[0], 10, 64); err == nil {
				seconds += h * 3600
			}
			if m, err := strconv.ParseInt(hm[1], 10, 64); err == nil {
				seconds += m * 60
			}
		}
	}
	return seconds, loads
}
