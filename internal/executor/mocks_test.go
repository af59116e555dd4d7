package executor

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/omniforge/zonemind/internal/command"
	"github.com/omniforge/zonemind/internal/config"
	"github.com/omniforge/zonemind/internal/models"
	"github.com/omniforge/zonemind/internal/repository"
)

// fakeRunner replays canned results keyed by command substring and records
// every line it is asked to run. The first matching entry wins; unmatched
// lines succeed with empty output.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	canned   []cannedResult
}

type cannedResult struct {
	substr string
	result command.Result
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{}
}

func (f *fakeRunner) on(substr string, r command.Result) *fakeRunner {
	f.canned = append(f.canned, cannedResult{substr: substr, result: r})
	return f
}

func (f *fakeRunner) out(substr, output string) *fakeRunner {
	return f.on(substr, command.Result{Success: true, Output: output})
}

func (f *fakeRunner) fail(substr string) *fakeRunner {
	return f.on(substr, command.Result{Success: false, Error: "scripted failure", ExitCode: 1})
}

func (f *fakeRunner) Run(_ context.Context, line string) *command.Result {
	f.mu.Lock()
	f.commands = append(f.commands, line)
	f.mu.Unlock()

	for _, c := range f.canned {
		if strings.Contains(line, c.substr) {
			r := c.result
			return &r
		}
	}
	return &command.Result{Success: true}
}

func (f *fakeRunner) RunTimeout(ctx context.Context, line string, _ time.Duration) *command.Result {
	return f.Run(ctx, line)
}

func (f *fakeRunner) ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, line := range f.commands {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func (f *fakeRunner) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type mockProjectionRepo struct {
	mock.Mock
}

func (m *mockProjectionRepo) UpsertInterface(ctx context.Context, iface *models.NetworkInterface) error {
	return m.Called(ctx, iface).Error(0)
}

func (m *mockProjectionRepo) ListInterfaces(ctx context.Context, hostname string) ([]*models.NetworkInterface, error) {
	args := m.Called(ctx, hostname)
	if v := args.Get(0); v != nil {
		return v.([]*models.NetworkInterface), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProjectionRepo) UpsertIPAddress(ctx context.Context, addr *models.IPAddress) error {
	return m.Called(ctx, addr).Error(0)
}

func (m *mockProjectionRepo) ListIPAddresses(ctx context.Context, hostname string) ([]*models.IPAddress, error) {
	args := m.Called(ctx, hostname)
	if v := args.Get(0); v != nil {
		return v.([]*models.IPAddress), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProjectionRepo) DeleteIPAddress(ctx context.Context, hostname, addrobj string) error {
	return m.Called(ctx, hostname, addrobj).Error(0)
}

func (m *mockProjectionRepo) UpsertDataset(ctx context.Context, dataset *models.ZFSDataset) error {
	return m.Called(ctx, dataset).Error(0)
}

func (m *mockProjectionRepo) ListDatasets(ctx context.Context, hostname string) ([]*models.ZFSDataset, error) {
	args := m.Called(ctx, hostname)
	if v := args.Get(0); v != nil {
		return v.([]*models.ZFSDataset), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProjectionRepo) DeleteDatasetTree(ctx context.Context, hostname, name string) error {
	return m.Called(ctx, hostname, name).Error(0)
}

func (m *mockProjectionRepo) SetRebootStatus(ctx context.Context, status *models.RebootStatus) error {
	return m.Called(ctx, status).Error(0)
}

func (m *mockProjectionRepo) GetRebootStatus(ctx context.Context) (*models.RebootStatus, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.(*models.RebootStatus), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProjectionRepo) ClearRebootStatus(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

var _ repository.ProjectionRepository = (*mockProjectionRepo)(nil)

func testProvisioning() config.ProvisioningConfig {
	return config.ProvisioningConfig{
		SSH: config.ProvisioningSSHConfig{
			KeyPath:             "/etc/zonemind/zone_key",
			TimeoutSeconds:      600,
			PollIntervalSeconds: 5,
		},
		DatasetBase:  "rpool/provisioning",
		MountBase:    "/provisioning",
		ServiceUser:  "svc-provision",
		ServiceGroup: "svc-provision",
	}
}

func newTestExecutor(runner command.Runner, projections repository.ProjectionRepository) *Executor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(runner, nil, projections, testProvisioning(), "testhost", logger)
}
