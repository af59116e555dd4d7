// Package executor implements the system-facing task handlers: storage
// pools, network addresses, zone provisioning, system updates, local
// accounts, and host lifecycle. Every privileged command goes through the
// pfexec boundary; nothing here links against libzfs or friends.
package executor

import (
	"log/slog"
	"time"

	"github.com/omniforge/zonemind/internal/command"
	"github.com/omniforge/zonemind/internal/config"
	"github.com/omniforge/zonemind/internal/models"
	"github.com/omniforge/zonemind/internal/repository"
	"github.com/omniforge/zonemind/internal/sshclient"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

// Executor carries the shared dependencies of all system task handlers.
type Executor struct {
	runner       command.Runner
	ssh          *sshclient.Client
	projections  repository.ProjectionRepository
	provisioning config.ProvisioningConfig
	hostname     string
	logger       *slog.Logger
}

// New creates the executor. hostname keys the projection rows this host
// writes.
func New(
	runner command.Runner,
	ssh *sshclient.Client,
	projections repository.ProjectionRepository,
	provisioning config.ProvisioningConfig,
	hostname string,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		runner:       runner,
		ssh:          ssh,
		projections:  projections,
		provisioning: provisioning,
		hostname:     hostname,
		logger:       logger.With("component", "executor"),
	}
}

// RegisterAll wires every system operation into the task registry. Pool and
// host lifecycle operations are serial; zone operations are exclusive per
// zone; account mutations are single-file because the name service files
// are lock-protected.
func (e *Executor) RegisterAll(reg *taskqueue.Registry) {
	reg.Register(models.OpZpoolCreate, taskqueue.Entry{
		Handler:  e.handleZpoolCreate,
		Priority: models.PriorityHigh,
		Timeout:  10 * time.Minute,
		Serial:   true,
	})
	reg.Register(models.OpZpoolDestroy, taskqueue.Entry{
		Handler:  e.handleZpoolDestroy,
		Priority: models.PriorityHigh,
		Timeout:  10 * time.Minute,
		Serial:   true,
	})
	reg.Register(models.OpZpoolSetProperties, taskqueue.Entry{
		Handler:  e.handleZpoolSetProperties,
		Priority: models.PriorityMedium,
		Timeout:  5 * time.Minute,
		Serial:   true,
	})

	reg.Register(models.OpIPAddressCreate, taskqueue.Entry{
		Handler:       e.handleIPAddressCreate,
		Priority:      models.PriorityHigh,
		Timeout:       3 * time.Minute,
		MaxConcurrent: 1,
	})
	reg.Register(models.OpIPAddressDelete, taskqueue.Entry{
		Handler:       e.handleIPAddressDelete,
		Priority:      models.PriorityHigh,
		Timeout:       3 * time.Minute,
		MaxConcurrent: 1,
	})

	reg.Register(models.OpZoneWaitSSH, taskqueue.Entry{
		Handler:          e.handleZoneWaitSSH,
		Priority:         models.PriorityMedium,
		Timeout:          15 * time.Minute,
		PerZoneExclusive: true,
	})
	reg.Register(models.OpZoneSync, taskqueue.Entry{
		Handler:          e.handleZoneSync,
		Priority:         models.PriorityMedium,
		Timeout:          15 * time.Minute,
		PerZoneExclusive: true,
	})
	reg.Register(models.OpZoneProvision, taskqueue.Entry{
		Handler:          e.handleZoneProvision,
		Priority:         models.PriorityMedium,
		Timeout:          35 * time.Minute,
		PerZoneExclusive: true,
	})
	reg.Register(models.OpZoneProvisioningExtract, taskqueue.Entry{
		Handler:          e.handleProvisioningExtract,
		Priority:         models.PriorityMedium,
		Timeout:          15 * time.Minute,
		PerZoneExclusive: true,
	})

	reg.Register(models.OpSystemUpdateInstall, taskqueue.Entry{
		Handler:  e.handleUpdateInstall,
		Priority: models.PriorityHigh,
		Timeout:  45 * time.Minute,
		Serial:   true,
	})
	reg.Register(models.OpSystemUpdateRefresh, taskqueue.Entry{
		Handler:     e.handleUpdateRefresh,
		Priority:    models.PriorityLow,
		Timeout:     10 * time.Minute,
		Serial:      true,
		Retryable:   true,
		MaxAttempts: 2,
	})

	for _, op := range []string{
		models.OpHostRestart,
		models.OpHostReboot,
		models.OpHostFastReboot,
		models.OpHostShutdown,
		models.OpHostPoweroff,
		models.OpHostHalt,
		models.OpHostRunlevelChange,
		models.OpHostEnterSingleUser,
		models.OpHostEnterMultiUser,
	} {
		reg.Register(op, taskqueue.Entry{
			Handler:  e.hostLifecycleHandler(op),
			Priority: models.PriorityCritical,
			Timeout:  30 * time.Minute,
			Serial:   true,
		})
	}

	accountOps := map[string]taskqueue.HandlerFunc{
		models.OpUserCreate:      e.handleUserCreate,
		models.OpUserModify:      e.handleUserModify,
		models.OpUserDelete:      e.handleUserDelete,
		models.OpUserSetPassword: e.handleUserSetPassword,
		models.OpUserLock:        e.handleUserLock,
		models.OpUserUnlock:      e.handleUserUnlock,
		models.OpGroupCreate:     e.handleGroupCreate,
		models.OpGroupModify:     e.handleGroupModify,
		models.OpGroupDelete:     e.handleGroupDelete,
		models.OpRoleCreate:      e.handleRoleCreate,
		models.OpRoleModify:      e.handleRoleModify,
		models.OpRoleDelete:      e.handleRoleDelete,
	}
	for op, handler := range accountOps {
		reg.Register(op, taskqueue.Entry{
			Handler: handler,
			// The passwd and shadow files are advisory-locked; one
			// mutation at a time avoids useradd lock contention.
			Priority:      models.PriorityMedium,
			Timeout:       2 * time.Minute,
			MaxConcurrent: 1,
			Retryable:     true,
			MaxAttempts:   3,
		})
	}
}

