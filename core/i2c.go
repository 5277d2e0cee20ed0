// I2C bring-up support
// Raw device access plus a bus scan, used when commissioning a board before
// the sensor drivers take over the bus.
package core

import (
	"goflight/protocol"
)

// Scannable 7-bit address range. Addresses outside it are reserved.
const (
	i2cScanFirst = 0x08
	i2cScanLast  = 0x77
)

// i2cScanRate is the clock used when a scan touches a bus nothing has
// configured yet. Every I2C device speaks standard mode.
const i2cScanRate = 100000

// I2CDevice is one host-allocated handle on a bus address.
type I2CDevice struct {
	OID     uint8
	Bus     I2CBusID
	Address I2CAddress // 7-bit
	Ready   bool       // i2c_set_bus has run
}

// i2cDevices maps OIDs to allocated device handles.
var i2cDevices = make(map[uint8]*I2CDevice)

// InitI2CCommands registers the raw I2C console surface.
func InitI2CCommands() {
	RegisterCommand("config_i2c", "oid=%c", handleConfigI2C)
	RegisterCommand("i2c_set_bus", "oid=%c i2c_bus=%u rate=%u address=%u", handleI2CSetBus)
	RegisterCommand("i2c_write", "oid=%c data=%*s", handleI2CWrite)
	RegisterCommand("i2c_read", "oid=%c reg=%*s read_len=%u", handleI2CRead)
	RegisterCommand("i2c_scan", "bus=%c", handleI2CScan)

	RegisterResponse("i2c_read_response", "oid=%c response=%*s")

	// One report per device found, then a final report with addr=0
	// marking the end of the scan.
	RegisterResponse("i2c_scan_state", "bus=%c addr=%c")
}

// handleConfigI2C allocates an empty device handle; i2c_set_bus makes it
// usable.
func handleConfigI2C(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	i2cDevices[uint8(oid)] = &I2CDevice{
		OID:   uint8(oid),
		Ready: false,
	}

	return nil
}

// handleI2CSetBus binds a handle to a bus and address and brings the
// bus up at the requested rate.
func handleI2CSetBus(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	bus, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	rate, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	address, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	device, exists := i2cDevices[uint8(oid)]
	if !exists {
		return nil // Invalid OID
	}

	// Mask to the 7-bit address space
	device.Address = I2CAddress(address & 0x7F)
	device.Bus = I2CBusID(bus)

	if err := MustI2C().ConfigureBus(device.Bus, rate); err != nil {
		return err
	}

	device.Ready = true

	return nil
}

// handleI2CWrite performs a raw write through a configured handle.
func handleI2CWrite(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	writeData, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	device, exists := i2cDevices[uint8(oid)]
	if !exists || !device.Ready {
		return nil // Invalid OID or not configured
	}

	// A write the host asked for failing means the bus wiring or the device
	// is bad; stop the firmware rather than fly on a half-working bus.
	if err := MustI2C().Write(device.Bus, device.Address, writeData); err != nil {
		TryShutdown("I2C write error")
		return err
	}

	return nil
}

// handleI2CRead performs a register read through a configured handle
// and reports the bytes back.
func handleI2CRead(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	// Register data may be empty
	regData, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	readLen, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	device, exists := i2cDevices[uint8(oid)]
	if !exists || !device.Ready {
		return nil // Invalid OID or not configured
	}

	readData, err := MustI2C().Read(device.Bus, device.Address, regData, uint8(readLen))
	if err != nil {
		TryShutdown("I2C read error")
		return err
	}

	SendResponse("i2c_read_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQBytes(output, readData)
	})

	return nil
}

// handleI2CScan probes every assignable address on a bus with a zero-length
// write and reports each acknowledging device. Probe failures are the normal
// outcome for absent addresses, so they never trip the shutdown path. The
// scan runs from the command handler; at 100 kHz the full range takes a few
// milliseconds, which is acceptable for a bring-up utility.
func handleI2CScan(data *[]byte) error {
	bus, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	drv := MustI2C()

	// A bus already running (sensors, i2c_set_bus) keeps its clock rate;
	// an untouched bus comes up in standard mode for the probe.
	if _, busErr := drv.NativeBus(I2CBusID(bus)); busErr != nil {
		if err := drv.ConfigureBus(I2CBusID(bus), i2cScanRate); err != nil {
			return err
		}
	}

	for addr := uint32(i2cScanFirst); addr <= i2cScanLast; addr++ {
		if probeErr := drv.Write(I2CBusID(bus), I2CAddress(addr), nil); probeErr != nil {
			continue
		}
		a := addr
		SendResponse("i2c_scan_state", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, bus)
			protocol.EncodeVLQUint(output, a)
		})
	}

	// End-of-scan marker; address 0 is reserved and never reported above
	SendResponse("i2c_scan_state", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, bus)
		protocol.EncodeVLQUint(output, 0)
	})

	return nil
}

// ShutdownAllI2C stops raw I2C access (called during shutdown)
func ShutdownAllI2C() {
	for _, device := range i2cDevices {
		if device != nil {
			device.Ready = false
		}
	}
}
