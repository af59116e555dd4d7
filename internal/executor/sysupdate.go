package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/omniforge/zonemind/internal/command"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

// PackageChange is one package's planned version transition.
type PackageChange struct {
	Name        string `json:"name"`
	FromVersion string `json:"from_version,omitempty"`
	ToVersion   string `json:"to_version,omitempty"`
}

// PublisherChanges groups planned changes by publisher.
type PublisherChanges struct {
	Publisher string          `json:"publisher"`
	Packages  []PackageChange `json:"packages"`
}

// UpdateCheck is the parsed result of a pkg update dry run.
type UpdateCheck struct {
	UpdatesAvailable    bool               `json:"updates_available"`
	PackageCount        int                `json:"package_count"`
	Publishers          []PublisherChanges `json:"publishers,omitempty"`
	CreateBootEnv       bool               `json:"create_boot_environment"`
	CreateBackupBootEnv bool               `json:"create_backup_boot_environment"`
	SpaceAvailable      string             `json:"space_available,omitempty"`
	SpaceRequired       string             `json:"space_required,omitempty"`
	Raw                 string             `json:"raw,omitempty"`
	CheckedAt           time.Time          `json:"checked_at"`
}

// UpdateHistoryEntry is one row of pkg history.
type UpdateHistoryEntry struct {
	Time      string `json:"time"`
	Operation string `json:"operation"`
	Client    string `json:"client,omitempty"`
	Outcome   string `json:"outcome"`
}

// InstallUpdatesParams describes a system_update_install task.
type InstallUpdatesParams struct {
	Reject []string `json:"reject,omitempty"`
}

// CheckUpdates runs a pkg update dry run and parses the plan. Exit code 4
// means nothing to do; that is a successful empty check.
func (e *Executor) CheckUpdates(ctx context.Context, includeRaw bool) (*UpdateCheck, error) {
	r := e.runner.RunTimeout(ctx, command.Privileged("pkg update -nv"), 10*time.Minute)
	if !r.Success && r.ExitCode != 4 {
		return nil, fmt.Errorf("pkg update -nv exited %d: %s", r.ExitCode, r.Error)
	}

	check := parseUpdateCheck(r.Output)
	if r.ExitCode == 4 {
		check.UpdatesAvailable = false
		check.PackageCount = 0
	}
	if includeRaw {
		check.Raw = r.Output
	}
	check.CheckedAt = time.Now()
	return check, nil
}

// parseUpdateCheck extracts the plan summary from pkg update -nv output.
func parseUpdateCheck(output string) *UpdateCheck {
	check := &UpdateCheck{}
	lines := strings.Split(output, "\n")

	inChanged := false
	var current *PublisherChanges
	var lastPkg *PackageChange

	for _, raw := range lines {
		line := strings.TrimRight(raw, " \t\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "Packages to update:"),
			strings.HasPrefix(trimmed, "Packages to install:"),
			strings.HasPrefix(trimmed, "Packages to upgrade:"):
			if n, err := strconv.Atoi(strings.TrimSpace(trimmed[strings.LastIndexByte(trimmed, ':')+1:])); err == nil {
				check.PackageCount += n
				if n > 0 {
					check.UpdatesAvailable = true
				}
			}
			continue
		case strings.HasPrefix(trimmed, "Create boot environment:"):
			check.CreateBootEnv = strings.Contains(trimmed, "Yes")
			continue
		case strings.HasPrefix(trimmed, "Create backup boot environment:"):
			check.CreateBackupBootEnv = strings.Contains(trimmed, "Yes")
			continue
		case strings.HasPrefix(trimmed, "Estimated space available:"):
			check.SpaceAvailable = strings.TrimSpace(strings.TrimPrefix(trimmed, "Estimated space available:"))
			continue
		case strings.HasPrefix(trimmed, "Estimated space to be consumed:"):
			check.SpaceRequired = strings.TrimSpace(strings.TrimPrefix(trimmed, "Estimated space to be consumed:"))
			continue
		case strings.HasPrefix(trimmed, "Changed packages:"):
			inChanged = true
			continue
		case trimmed == "" && inChanged && current == nil:
			continue
		}

		if !inChanged {
			continue
		}
		// Sections after the changed-packages block start at column zero
		// with a colon-suffixed heading.
		if trimmed != "" && !strings.HasPrefix(raw, " ") && strings.HasSuffix(trimmed, ":") {
			break
		}

		switch indentOf(raw) {
		case 0:
			if trimmed == "" {
				continue
			}
			check.Publishers = append(check.Publishers, PublisherChanges{Publisher: trimmed})
			current = &check.Publishers[len(check.Publishers)-1]
			lastPkg = nil
		case 1:
			if current == nil {
				continue
			}
			current.Packages = append(current.Packages, PackageChange{Name: trimmed})
			lastPkg = &current.Packages[len(current.Packages)-1]
		default:
			if lastPkg == nil {
				continue
			}
			if from, to, ok := strings.Cut(trimmed, "->"); ok {
				lastPkg.FromVersion = strings.TrimSpace(from)
				lastPkg.ToVersion = strings.TrimSpace(to)
			} else {
				lastPkg.ToVersion = trimmed
			}
		}
	}

	if check.PackageCount == 0 {
		total := 0
		for _, p := range check.Publishers {
			total += len(p.Packages)
		}
		check.PackageCount = total
		check.UpdatesAvailable = total > 0
	}
	return check
}

// indentOf buckets pkg's two-space indentation levels: 0 publisher,
// 1 package, 2+ version line.
func indentOf(line string) int {
	spaces := 0
	for _, r := range line {
		if r != ' ' {
			break
		}
		spaces++
	}
	return spaces / 2
}

func (e *Executor) handleUpdateInstall(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p InstallUpdatesParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	if h.Cancelled(ctx) {
		return nil, taskqueue.ErrCancelled
	}

	line := "pkg update --accept"
	for _, rej := range p.Reject {
		line += " --reject " + command.Quote(rej)
	}

	e.logger.Info("installing system updates", "task_id", h.ID())
	if err := h.Progress(ctx, 10, map[string]string{"stage": "installing"}); err != nil {
		e.logger.Debug("progress write failed", "error", err)
	}

	r := e.runner.Run(ctx, command.Privileged(line))
	if !r.Success {
		// Exit 4 is "nothing to do", which install treats as success.
		if r.ExitCode == 4 {
			return taskqueue.Succeed("system already up to date"), nil
		}
		return nil, fmt.Errorf("pkg update exited %d: %s", r.ExitCode, firstErrorLine(r.Error, r.Output))
	}

	msg := "system updates installed"
	if be := newBootEnvironment(r.Output); be != "" {
		msg += ", boot environment " + be + " created; reboot to activate"
	}
	res := taskqueue.Succeed("%s", msg)
	res.Data = map[string]string{"output_tail": lastLines(r.Output, 20)}
	return res, nil
}

func (e *Executor) handleUpdateRefresh(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	if h.Cancelled(ctx) {
		return nil, taskqueue.ErrCancelled
	}
	e.logger.Info("refreshing package metadata", "task_id", h.ID())
	if r := e.runner.Run(ctx, command.Privileged("pkg refresh --full")); !r.Success {
		return nil, fmt.Errorf("pkg refresh exited %d: %s", r.ExitCode, firstErrorLine(r.Error, r.Output))
	}
	return taskqueue.Succeed("package metadata refreshed"), nil
}

// UpdateHistory returns recent pkg history rows, newest first.
func (e *Executor) UpdateHistory(ctx context.Context, limit int) ([]UpdateHistoryEntry, error) {
	r := e.runner.RunTimeout(ctx, "pkg history -H -o time,operation,client,outcome", 2*time.Minute)
	if !r.Success {
		return nil, fmt.Errorf("pkg history exited %d: %s", r.ExitCode, r.Error)
	}

	var entries []UpdateHistoryEntry
	for _, line := range strings.Split(strings.TrimSpace(r.Output), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		entries = append(entries, UpdateHistoryEntry{
			Time:      fields[0],
			Operation: fields[1],
			Client:    strings.Join(fields[2:len(fields)-1], " "),
			Outcome:   fields[len(fields)-1],
		})
	}
	// pkg history prints oldest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// newBootEnvironment extracts the BE name pkg reports after an update.
func newBootEnvironment(output string) string {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "A clone of "); ok {
			if name, _, found := strings.Cut(rest, " exists"); found {
				return strings.TrimSpace(name)
			}
		}
	}
	return ""
}

// firstErrorLine prefers stderr, falling back to the last stdout line.
func firstErrorLine(stderr, stdout string) string {
	if s := strings.TrimSpace(stderr); s != "" {
		return lastLines(s, 5)
	}
	return lastLines(stdout, 5)
}
