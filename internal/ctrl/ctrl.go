// Package ctrl implements the control-plane request handlers: resolving a
// target device, applying batched mutations, and streaming paginated state
// dumps.
package ctrl

import (
	"github.com/rs/zerolog"

	"tunctl/internal/device"
	"tunctl/internal/protocol"
	"tunctl/internal/protocol/schema"
)

// DefaultMaxMessageSize bounds one dump message payload.
const DefaultMaxMessageSize = 4096

// Config tunes a Service.
type Config struct {
	// MaxMessageSize caps one dump message payload in bytes.
	// 0 means DefaultMaxMessageSize.
	MaxMessageSize int
}

// Service handles control requests against a device registry.
type Service struct {
	reg     *device.Registry
	log     zerolog.Logger
	maxSize int
}

func NewService(reg *device.Registry, log zerolog.Logger, cfg Config) *Service {
	size := cfg.MaxMessageSize
	if size <= 0 {
		size = DefaultMaxMessageSize
	}
	return &Service{reg: reg, log: log, maxSize: size}
}

// resolve maps the request's target selector to a live device with an added
// reference. The caller releases it exactly once.
func (s *Service) resolve(f schema.Fields) (*device.Device, error) {
	hasIndex := f.Has(protocol.DeviceAttrIfindex)
	hasName := f.Has(protocol.DeviceAttrIfname)
	if hasIndex == hasName {
		return nil, ErrBadSelector
	}

	var (
		ifc device.Interface
		ok  bool
	)
	if hasIndex {
		ifc, ok = s.reg.ByIndex(f.U32(protocol.DeviceAttrIfindex))
	} else {
		ifc, ok = s.reg.ByName(f.String(protocol.DeviceAttrIfname))
	}
	if !ok {
		return nil, ErrNotFound
	}
	dev, ok := ifc.(*device.Device)
	if !ok {
		return nil, ErrUnsupported
	}
	return dev.Hold(), nil
}
