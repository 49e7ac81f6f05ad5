package cloud

import (
	"context"
)

// VM is the provider-agnostic view of a virtual machine
type VM struct {
	ID         int64  `json:"id"`
	PublicIPv4 string `json:"public_ipv4"`
	Status     string `json:"status"`
}

// CreateRequest describes the VM to mint for a tenant
type CreateRequest struct {
	Name     string   `json:"name"`
	Region   string   `json:"region"`
	Size     string   `json:"size"`
	UserData string   `json:"user_data"`
	Tags     []string `json:"tags,omitempty"`
}

// API is the outbound cloud-provider surface. Implementations retry
// transient failures internally; callers hold a governor slot for the
// duration of each call.
type API interface {
	CreateVM(ctx context.Context, req CreateRequest) (*VM, error)
	DeleteVM(ctx context.Context, id int64) error
	PowerOn(ctx context.Context, id int64) error
	PowerOff(ctx context.Context, id int64) error
	PowerCycle(ctx context.Context, id int64) error
	GetVM(ctx context.Context, id int64) (*VM, error)
}
