// Package nextconfig reads the environment variables spec.md §6
// recognises into a typed Config. Configuration file parsing is
// explicitly out of scope (spec.md §1); this package only reads
// environment variables, mirroring the teacher's Config/DefaultConfig/
// Validate trio in config.go.
package nextconfig

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"

	"github.com/networknext/next/internal/nextlog"
)

// Config is the process-wide configuration assembled from environment
// variables. A ClientCore or ServerCore is constructed from one of
// these (spec.md §7 "Configuration error": bad keypair, mismatched
// customer ids, invalid address => refuse to construct").
type Config struct {
	CustomerID          uint64
	CustomerPublicKey    []byte // Ed25519 public key, 32 bytes
	CustomerPrivateKey   []byte // Ed25519 secret key, 64 bytes

	ServerBackendHostname string
	ServerBackendPort     uint16
	ServerBackendPublicKey []byte // Ed25519 public key, 32 bytes
	RouterPublicKey        []byte // Curve25519 public key, 32 bytes

	DisableNetworkNext bool
	DisableAutodetect  bool

	LogLevel nextlog.Level

	SocketSendBufferSize    int
	SocketReceiveBufferSize int

	ServerAddress string
	BindAddress   string
	Datacenter    string
}

// DefaultConfig mirrors the teacher's DefaultConfig(): sane values for
// everything that has one, leaving keys/hostname empty (those are a
// construction error, not a default).
func DefaultConfig() *Config {
	return &Config{
		ServerBackendPort:       40000,
		LogLevel:                nextlog.LevelInfo,
		SocketSendBufferSize:    4 * 1024 * 1024,
		SocketReceiveBufferSize: 4 * 1024 * 1024,
	}
}

// FromEnvironment reads the variables listed in spec.md §6 on top of
// DefaultConfig. Malformed key material, a non-numeric or out-of-range
// NEXT_SERVER_BACKEND_PORT and a non-integer NEXT_LOG_LEVEL return an
// error; malformed socket buffer sizes keep their defaults. A missing
// backend hostname is not checked here.
func FromEnvironment() (*Config, error) {
	c := DefaultConfig()

	if v := os.Getenv("NEXT_CUSTOMER_PUBLIC_KEY"); v != "" {
		id, key, err := decodeKeyedBlob(v, 32)
		if err != nil {
			return nil, fmt.Errorf("NEXT_CUSTOMER_PUBLIC_KEY: %w", err)
		}
		c.CustomerID = id
		c.CustomerPublicKey = key
	}

	if v := os.Getenv("NEXT_CUSTOMER_PRIVATE_KEY"); v != "" {
		id, key, err := decodeKeyedBlob(v, 64)
		if err != nil {
			return nil, fmt.Errorf("NEXT_CUSTOMER_PRIVATE_KEY: %w", err)
		}
		if c.CustomerID != 0 && id != c.CustomerID {
			return nil, fmt.Errorf("NEXT_CUSTOMER_PRIVATE_KEY: customer id %d does not match NEXT_CUSTOMER_PUBLIC_KEY customer id %d", id, c.CustomerID)
		}
		c.CustomerID = id
		c.CustomerPrivateKey = key
	}

	c.ServerBackendHostname = os.Getenv("NEXT_SERVER_BACKEND_HOSTNAME")

	if v := os.Getenv("NEXT_SERVER_BACKEND_PORT"); v != "" {
		p, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("NEXT_SERVER_BACKEND_PORT: %w", err)
		}
		c.ServerBackendPort = uint16(p)
	}

	if v := os.Getenv("NEXT_SERVER_BACKEND_PUBLIC_KEY"); v != "" {
		key, err := decodeRawKey(v, 32)
		if err != nil {
			return nil, fmt.Errorf("NEXT_SERVER_BACKEND_PUBLIC_KEY: %w", err)
		}
		c.ServerBackendPublicKey = key
	}

	if v := os.Getenv("NEXT_ROUTER_PUBLIC_KEY"); v != "" {
		key, err := decodeRawKey(v, 32)
		if err != nil {
			return nil, fmt.Errorf("NEXT_ROUTER_PUBLIC_KEY: %w", err)
		}
		c.RouterPublicKey = key
	}

	c.DisableNetworkNext = envPositiveInt("NEXT_DISABLE_NETWORK_NEXT")
	c.DisableAutodetect = envPositiveInt("NEXT_DISABLE_AUTODETECT")

	if v := os.Getenv("NEXT_LOG_LEVEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("NEXT_LOG_LEVEL: %w", err)
		}
		c.LogLevel = nextlog.ParseLevel(n)
	}

	if v := os.Getenv("NEXT_SOCKET_SEND_BUFFER_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			c.SocketSendBufferSize = n
		}
	}
	if v := os.Getenv("NEXT_SOCKET_RECEIVE_BUFFER_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			c.SocketReceiveBufferSize = n
		}
	}

	c.ServerAddress = os.Getenv("NEXT_SERVER_ADDRESS")
	c.BindAddress = os.Getenv("NEXT_BIND_ADDRESS")
	c.Datacenter = os.Getenv("NEXT_DATACENTER")

	return c, nil
}

// decodeKeyedBlob decodes a base64 blob of the form u64 id || key and
// validates the key portion is exactly keyLen bytes, as
// NEXT_CUSTOMER_PUBLIC_KEY/NEXT_CUSTOMER_PRIVATE_KEY are documented.
func decodeKeyedBlob(b64 string, keyLen int) (uint64, []byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return 0, nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(raw) != 8+keyLen {
		return 0, nil, fmt.Errorf("expected %d bytes (8 byte id + %d byte key), got %d", 8+keyLen, keyLen, len(raw))
	}
	var id uint64
	for i := 0; i < 8; i++ {
		id |= uint64(raw[i]) << (8 * i)
	}
	key := make([]byte, keyLen)
	copy(key, raw[8:])
	return id, key, nil
}

func decodeRawKey(b64 string, keyLen int) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(raw) != keyLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", keyLen, len(raw))
	}
	return raw, nil
}

func envPositiveInt(name string) bool {
	v := os.Getenv(name)
	if v == "" {
		return false
	}
	n, err := strconv.Atoi(v)
	return err == nil && n > 0
}

// Validate enforces the construction-time requirements spec.md §7
// names: a well-formed keypair and a backend hostname, unless the
// overlay is explicitly disabled.
func (c *Config) Validate() error {
	if c.DisableNetworkNext {
		return nil
	}
	if len(c.CustomerPublicKey) != 32 || len(c.CustomerPrivateKey) != 64 {
		return fmt.Errorf("invalid or missing customer keypair")
	}
	if c.ServerBackendHostname == "" {
		return fmt.Errorf("missing NEXT_SERVER_BACKEND_HOSTNAME")
	}
	if len(c.ServerBackendPublicKey) != 32 {
		return fmt.Errorf("invalid or missing NEXT_SERVER_BACKEND_PUBLIC_KEY")
	}
	if len(c.RouterPublicKey) != 32 {
		return fmt.Errorf("invalid or missing NEXT_ROUTER_PUBLIC_KEY")
	}
	return nil
}
