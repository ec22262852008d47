package config

import (
	"net"
	"strconv"
)

// BACnetConfig is the configuration for the local BACnet/IPv4 endpoint.
type BACnetConfig struct {
	// Address is the local IP to bind. Blank binds all interfaces.
	Address string `yaml:"address,omitempty"`
	// Port is the local UDP port, 47808 by default.
	Port int `yaml:"port,omitempty"`
	// DeviceID is the device instance announced in I-Am responses.
	DeviceID uint32 `yaml:"device_id,omitempty"`
	// DeviceName is the local device object name.
	DeviceName string `yaml:"device_name,omitempty"`
	// Vendor is the vendor identifier announced in I-Am responses.
	Vendor uint16 `yaml:"vendor,omitempty"`
	// SubnetPrefix is the prefix length used to derive a directed
	// broadcast address from a device IP during discovery.
	SubnetPrefix int `yaml:"subnet_prefix,omitempty"`
}

func defaultBACnet() BACnetConfig {
	return BACnetConfig{
		Address:      envString("BACNET_IP", ""),
		Port:         envInt("BACNET_PORT", 47808),
		DeviceID:     uint32(envInt("BACNET_DEVICE_ID", 3056496)),
		DeviceName:   "BacnetPollingService",
		Vendor:       842,
		SubnetPrefix: 24,
	}
}

// LocalAddr returns the ip:port string to bind the BACnet socket to.
func (cfg BACnetConfig) LocalAddr() string {
	port := cfg.Port
	if port == 0 {
		port = 47808
	}
	return net.JoinHostPort(cfg.Address, strconv.Itoa(port))
}
