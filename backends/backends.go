// Package backends defines the interface an execution backend needs to
// implement to hold and move dense tensor data.
//
// A backend bundles the per-backend capabilities the tensors package consumes:
// a buffer allocator, arithmetic engines selected by dtype, the layout
// conversion primitive, raw upload/download of flat data and execution handles
// (streams). Two implementations are provided: backends/host, the host-resident
// engine with directly addressable memory, and backends/accel, the
// accelerator-device engine with opaque buffers and a minimum descriptor rank.
//
// Backends register themselves by name during package initialization, and are
// instantiated with New or NewWithConfig.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/tensorio/tensorio/types/layouts"
)

// Kind tags the concrete class of a backend. Transfer dispatch is keyed on the
// (source kind, destination kind) pair, enumerated exhaustively.
type Kind int

const (
	// KindHost marks a backend whose buffers live in host memory and are
	// directly addressable from Go.
	KindHost Kind = iota

	// KindDevice marks a backend whose buffers are opaque to Go: element
	// access is unsupported and data moves only through Upload/Download.
	KindDevice

	// NumKinds is the number of backend kinds, for dispatch tables.
	NumKinds
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindDevice:
		return "device"
	}
	return "unknown"
}

// Handle identifies an execution stream of a backend. Operations issued
// against the same handle observe issuing order; independent handles give no
// ordering guarantee.
type Handle interface {
	// ID returns a stable identifier of the stream, used for log correlation.
	ID() string
}

// Backend is the factory capability each execution backend implements.
type Backend interface {
	// Name returns the short registered name of the backend, e.g. "host".
	Name() string

	// Description is a longer description of the backend for pretty-printing.
	Description() string

	// Kind returns the backend kind tag used by transfer dispatch.
	Kind() Kind

	// MinRank is the minimum descriptor rank the backend accepts. Descriptors
	// of lower rank are right-padded with trailing unit axes (see Describe).
	// Zero means no requirement.
	MinRank() int

	// Native returns the host-equivalent backend used to materialize data in
	// addressable memory. A host backend returns itself.
	Native() Backend

	// Engine returns the arithmetic engine for the given dtype.
	Engine(dtype dtypes.DType) (Engine, error)

	// Stream returns the backend's default execution handle.
	Stream() Handle

	Allocator
	Converter
	DataInterface

	// Finalize releases all resources held by the backend immediately.
	Finalize()
}

// Describe builds a descriptor for the given backend: when the requested
// format is not recognized for the rank, the descriptor is built through the
// generic strided layout; either way the result is right-padded with trailing
// unit axes up to the backend's minimum rank.
func Describe(b Backend, dtype dtypes.DType, dims []int, format layouts.Format) layouts.Descriptor {
	var desc layouts.Descriptor
	if format != layouts.FormatStrided && format.FormatRank() == len(dims) {
		desc = layouts.MakeWithFormat(dtype, dims, format)
	} else {
		desc = layouts.Make(dtype, dims...)
	}
	return layouts.PadToRank(desc, b.MinRank())
}

// Constructor takes a config string (possibly empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration used by New if the environment
// variable is not set. See NewWithConfig for the format.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend
// configuration, formatted as "<backend_name>:<backend_configuration>".
const ConfigEnvVar = "TENSORIO_BACKEND"

// New returns a new Backend using, in order of precedence: the ConfigEnvVar
// environment variable, DefaultConfig, or the first registered backend with an
// empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	if config, found := os.LookupEnv(ConfigEnvVar); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a backend from a configuration string formatted as
// "<backend_name>:<backend_configuration>"; the configuration part is backend
// specific.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends -- import the implementations, e.g. _ "github.com/tensorio/tensorio/backends/host"`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}

// MustByName instantiates the backend registered under name with an empty
// configuration. It panics if the name was never registered.
func MustByName(name string) Backend {
	constructor, found := registeredConstructors[name]
	if !found {
		exceptions.Panicf("backend %q is not registered -- missing an import of its package?", name)
	}
	return constructor("")
}
