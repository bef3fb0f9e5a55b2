// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package backing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/vdisk/internal/errs"
	"github.com/asch/vdisk/internal/proxy"
)

// Proxy subtypes select how the connection to the proxy is made.
type ProxySubtype uint8

const (
	// ProxyDirect dials the object name itself and skips CONNECT.
	ProxyDirect ProxySubtype = iota

	// ProxyComm and ProxyTCP dial the proxy service and send CONNECT with
	// the object name as connection string.
	ProxyComm
	ProxyTCP

	// ProxyShm maps the shared memory region named by the object name.
	ProxyShm
)

func (s ProxySubtype) String() string {
	switch s {
	case ProxyDirect:
		return "direct"
	case ProxyComm:
		return "comm"
	case ProxyTCP:
		return "tcp"
	case ProxyShm:
		return "shm"
	}

	return "unknown"
}

// ParseProxySubtype accepts the names returned by ProxySubtype.String. An
// empty name is ProxyDirect.
func ParseProxySubtype(s string) (ProxySubtype, error) {
	if s == "" {
		return ProxyDirect, nil
	}
	for t := ProxyDirect; t <= ProxyShm; t++ {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}

	return ProxyDirect, fmt.Errorf("%w: proxy subtype %q", errs.ErrInvalidParameter, s)
}

// connectFlags is the CONNECT flags word for the subtype.
func (s ProxySubtype) connectFlags() uint64 {
	switch s {
	case ProxyComm:
		return proxy.ConnectComm
	case ProxyTCP:
		return proxy.ConnectTCP
	case ProxyShm:
		return proxy.ConnectShm
	}

	return proxy.ConnectDirect
}

// ProxyOptions to use in DialProxy() function.
type ProxyOptions struct {
	Subtype ProxySubtype

	// Object is the endpoint for ProxyDirect ("unix:/path" or
	// "tcp:host:port", a bare path means unix), the connection string
	// for ProxyComm/ProxyTCP and the region name for ProxyShm.
	Object string

	// ServiceAddress is the proxy service endpoint used by ProxyComm and
	// ProxyTCP, in the same form as a direct Object.
	ServiceAddress string

	// SharedMemoryDir holds shared memory regions.
	SharedMemoryDir string

	DialTimeout time.Duration
}

// Proxy is a Store on a remote medium reached through the proxy protocol.
type Proxy struct {
	c    *proxy.Client
	info proxy.Info
}

// splitEndpoint turns "unix:/p", "tcp:h:p" or "/p" into network and
// address.
func splitEndpoint(endpoint string) (string, string) {
	if i := strings.IndexByte(endpoint, ':'); i > 0 {
		switch network := endpoint[:i]; network {
		case "unix", "tcp", "tcp4", "tcp6":
			return network, endpoint[i+1:]
		}
	}

	return "unix", endpoint
}

// DialProxy connects, performs the handshake and queries the medium.
func DialProxy(ctx context.Context, o ProxyOptions) (*Proxy, error) {
	if o.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.DialTimeout)
		defer cancel()
	}

	var c *proxy.Client
	var err error

	switch o.Subtype {
	case ProxyShm:
		c, err = proxy.DialSharedMemory(o.SharedMemoryDir, o.Object)
	case ProxyComm, ProxyTCP:
		network, address := splitEndpoint(o.ServiceAddress)
		c, err = proxy.Dial(ctx, network, address)
		if err == nil {
			if err = c.Connect(ctx, o.Subtype.connectFlags(), o.Object); err != nil {
				c.Close()
			}
		}
	default:
		network, address := splitEndpoint(o.Object)
		c, err = proxy.Dial(ctx, network, address)
	}
	if err != nil {
		return nil, fmt.Errorf("proxy %s %s: %w", o.Subtype, o.Object, err)
	}

	info, err := c.Query(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("proxy %s %s: %w", o.Subtype, o.Object, err)
	}

	log.Info().Str("object", o.Object).Str("subtype", o.Subtype.String()).
		Int64("size", info.Size).Uint64("alignment", info.AlignmentMask+1).
		Bool("readonly", info.ReadOnly).Msg("Proxy connected.")

	return NewProxy(c, info), nil
}

// NewProxy wraps an already connected client.
func NewProxy(c *proxy.Client, info proxy.Info) *Proxy {
	return &Proxy{c: c, info: info}
}

// Info returns the medium description from the handshake.
func (p *Proxy) Info() proxy.Info {
	return p.info
}

func (p *Proxy) ReadAt(ctx context.Context, b []byte, off int64) (int, error) {
	n, err := p.c.ReadAt(ctx, b, off)
	if err != nil {
		return n, err
	}
	zeroTail(b, n)

	return n, nil
}

func (p *Proxy) WriteAt(ctx context.Context, b []byte, off int64) (int, error) {
	if p.info.ReadOnly {
		return 0, errs.Wrap("proxy write", off, int64(len(b)), errs.ErrWriteProtected)
	}

	n, err := p.c.WriteAt(ctx, b, off)
	if err == nil && n < len(b) {
		err = errs.Wrap("proxy write", off+int64(n), int64(len(b)-n), errs.ErrIoDevice)
	}

	return n, err
}

// Size returns the medium size reported by the last INFO.
func (p *Proxy) Size(ctx context.Context) (int64, error) {
	return p.info.Size, nil
}

func (p *Proxy) Close() error {
	return p.c.Close()
}
