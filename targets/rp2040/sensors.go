//go:build rp2040

package main

import (
	"errors"

	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/mpu6050"

	"goflight/core"
)

// Onboard IMU wiring: an MPU-6050 on bus 0 (SDA=GP4, SCL=GP5) in fast
// mode. Accelerometer and gyro type codes share the one device.
const (
	imuBus     core.I2CBusID = 0
	imuBusFreq uint32        = 400000
)

var (
	imu      mpu6050.Device
	imuReady bool
)

// registerBoardSensors binds the onboard sensor drivers to their type
// codes. The device powers up on the first config_sensor for either type;
// the baro and mag codes stay open for expansion boards.
func registerBoardSensors() {
	_ = core.RegisterSensorDriver(core.SensorTypeIMU, &core.SensorDriver{
		Name:   "mpu6050-accel",
		Init:   imuInit,
		Sample: imuSampleAccel,
	})
	_ = core.RegisterSensorDriver(core.SensorTypeGyro, &core.SensorDriver{
		Name:   "mpu6050-gyro",
		Init:   imuInit,
		Sample: imuSampleGyro,
	})
}

// imuInit brings up the bus and the device once, no matter which sensor
// type configures first.
func imuInit() error {
	if imuReady {
		return nil
	}
	if err := core.MustI2C().ConfigureBus(imuBus, imuBusFreq); err != nil {
		return err
	}
	native, err := core.MustI2C().NativeBus(imuBus)
	if err != nil {
		return err
	}
	bus, ok := native.(drivers.I2C)
	if !ok {
		return errors.New("native bus is not an I2C controller")
	}
	imu = mpu6050.New(bus)
	imu.Configure()
	imuReady = true
	return nil
}

// imuSampleAccel reads the accelerometer axes in micro-g.
func imuSampleAccel() (core.SensorSample, error) {
	x, y, z := imu.ReadAcceleration()
	return core.SensorSample{X: x, Y: y, Z: z}, nil
}

// imuSampleGyro reads the angular rate axes in micro-degrees per second.
func imuSampleGyro() (core.SensorSample, error) {
	x, y, z := imu.ReadRotation()
	return core.SensorSample{X: x, Y: y, Z: z}, nil
}
