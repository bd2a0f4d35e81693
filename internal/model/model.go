// Package model describes the boundary with a loaded neural policy: its declared tensors,
// the executor that runs it, and the metadata derived from it at load time.
package model

import (
	"errors"

	"github.com/cartridge/inference/internal/tensor"
)

// ErrModelRejected is returned when load-time checks forbid running a model.
var ErrModelRejected = errors.New("model rejected")

// Device selects the hardware an executor runs on.
type Device string

const (
	DeviceCPU Device = "cpu"
	DeviceGPU Device = "gpu"
)

// TensorSpec is a declared model input. Negative dimensions are dynamic.
type TensorSpec struct {
	Name  string       `json:"name"`
	Shape []int64      `json:"shape"`
	DType tensor.DType `json:"dtype"`
}

// Model is an opaque loaded policy.
type Model interface {
	Name() string
	Inputs() []TensorSpec
	// Outputs lists every output name, including constant marker tensors.
	Outputs() []string
	NewExecutor(device Device) (Executor, error)
}

// Executor runs a model. Inputs handed to SetInput are owned by the executor until the
// next Schedule completes.
type Executor interface {
	SetInput(name string, t *tensor.Tensor) error
	// Schedule runs the model on the current inputs and blocks until outputs are ready.
	Schedule() error
	// PeekOutput returns a named output of the last Schedule, or false when absent.
	PeekOutput(name string) (*tensor.Tensor, bool)
	Close() error
}
