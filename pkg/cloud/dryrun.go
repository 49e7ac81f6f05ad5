package cloud

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/types"
)

// DryRun is an in-memory cloud API for DRY_RUN mode and tests. VMs are
// minted with sequential IDs and synthetic addresses and become active
// immediately.
type DryRun struct {
	mu     sync.Mutex
	nextID int64
	vms    map[int64]*VM
	logger zerolog.Logger

	// CreateErr, when set, fails the next CreateVM call
	CreateErr error
	// DeleteErr, when set, fails the next DeleteVM call
	DeleteErr error
	// Deleted records the IDs passed to DeleteVM in order
	Deleted []int64
}

var _ API = (*DryRun)(nil)

// NewDryRun builds an empty fake provider
func NewDryRun() *DryRun {
	return &DryRun{
		nextID: 1000,
		vms:    make(map[int64]*VM),
		logger: log.WithComponent("cloud-dryrun"),
	}
}

func (d *DryRun) CreateVM(ctx context.Context, req CreateRequest) (*VM, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CreateErr != nil {
		err := d.CreateErr
		d.CreateErr = nil
		return nil, err
	}
	d.nextID++
	vm := &VM{
		ID:         d.nextID,
		PublicIPv4: fmt.Sprintf("10.0.%d.%d", d.nextID/256%256, d.nextID%256),
		Status:     "active",
	}
	d.vms[vm.ID] = vm
	d.logger.Info().Int64("vm_id", vm.ID).Str("name", req.Name).Msg("dry-run vm created")
	return vm, nil
}

func (d *DryRun) DeleteVM(ctx context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DeleteErr != nil {
		err := d.DeleteErr
		d.DeleteErr = nil
		return err
	}
	d.Deleted = append(d.Deleted, id)
	delete(d.vms, id)
	return nil
}

func (d *DryRun) PowerOn(ctx context.Context, id int64) error {
	return d.setStatus(id, "active")
}

func (d *DryRun) PowerOff(ctx context.Context, id int64) error {
	return d.setStatus(id, "off")
}

func (d *DryRun) PowerCycle(ctx context.Context, id int64) error {
	return d.setStatus(id, "active")
}

func (d *DryRun) GetVM(ctx context.Context, id int64) (*VM, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	vm, ok := d.vms[id]
	if !ok {
		return nil, types.Errorf(types.KindCloudAPIError, "cloud.get", "no vm %d", id).AsTerminal()
	}
	cp := *vm
	return &cp, nil
}

func (d *DryRun) setStatus(id int64, status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	vm, ok := d.vms[id]
	if !ok {
		return types.Errorf(types.KindCloudAPIError, "cloud.action", "no vm %d", id).AsTerminal()
	}
	vm.Status = status
	return nil
}
