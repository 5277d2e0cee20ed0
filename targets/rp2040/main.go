//go:build rp2040

// Flight controller firmware for RP2040 boards. Wires the hardware timer,
// USB console transport, and peripheral drivers into the core scheduling
// and command layer, then services host traffic and background tasks from
// the main loop. All deadline work happens in the TIMER interrupt; the
// loop only parses frames and runs deferred task-context work.
package main

import (
	"machine"
	"time"

	"goflight/core"
	"goflight/protocol"
	"goflight/targets/pio"
)

const statusLEDPin core.GPIOPin = 25

// motorPins are the ESC outputs, M1-M4. Chosen clear of the default I2C0
// pins (gpio4/5) the IMU bus claims and the ADC inputs.
var motorPins = []core.ServoPin{6, 7, 8, 9}

var (
	inputBuffer  *protocol.FifoBuffer
	outputBuffer *protocol.ScratchOutput
	transport    *protocol.Transport

	// msgErrors counts dropped bytes and recovered parse panics. Not
	// reported anywhere yet; kept for debugger inspection.
	msgErrors uint32

	usbWasDisconnected       bool
	consecutiveWriteFailures int
)

func main() {
	// A previous watchdog reset leaves the timeout armed; clear it so an
	// idle firmware does not reboot itself.
	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})

	InitUSB()
	initDebugConsole()

	// Time base comes up first; every module schedules against it.
	timer := NewHardwareTimer()
	hrt, err := core.NewHRT(timer)
	if err != nil {
		blinkForever()
	}
	timer.SetInterruptHandler(hrt.HandleInterrupt)
	if err := hrt.Start(); err != nil {
		blinkForever()
	}
	core.SetTimeSource(hrt)

	core.InitCoreCommands()
	core.InitCalloutCommands()
	core.InitServoCommands()
	core.InitFailsafeCommands()
	core.InitBatteryCommands()
	core.InitSensorCommands()
	core.InitI2CCommands()

	core.RegisterConstant("MCU", "rp2040")
	core.RegisterConstant("TICK_FREQ", uint32(timer.TickFrequency()))
	// PWM counter width; ADC_MAX comes from the battery module.
	core.RegisterConstant("PWM_MAX", uint32(65535))
	registerBoardPins()

	core.SetGPIODriver(NewRPGPIODriver())
	core.SetADCDriver(NewRPADCDriver())
	// Motor pins carry DSHOT to the ESCs through the PIO serializer;
	// every other pulse pin falls back to standard RC PWM framing.
	core.SetServoDriver(pio.NewDShotDriver(NewRPServoDriver(), motorPins...))
	core.SetI2CDriver(NewRPI2CDriver())
	registerBoardSensors()

	// Dictionary is frozen once every command, constant, and enumeration
	// is registered.
	core.GetGlobalDictionary().BuildDictionary()

	inputBuffer = protocol.NewFifoBuffer(256)
	outputBuffer = protocol.NewScratchOutput()

	transport = protocol.NewTransport(outputBuffer, handleCommand)
	transport.SetResetCallback(func() {
		inputBuffer.Reset()
		outputBuffer.Reset()
		core.ResetFirmwareState()
	})
	// Hosts time out waiting for the ACK, so push it to the wire as soon
	// as it is encoded instead of waiting for the next loop pass.
	transport.SetFlushCallback(writeUSB)
	core.SetGlobalTransport(transport)

	// A watchdog-forced reboot re-enumerates USB reliably; SYSRESETREQ
	// can leave some hosts holding a stale CDC handle.
	core.SetResetHandler(func() {
		machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 1})
		machine.Watchdog.Start()
		for {
			time.Sleep(time.Millisecond)
		}
	})

	core.InitStatusLED(statusLEDPin)

	go usbReaderLoop()

	for {
		serviceConsole()
		core.CalloutProbeTask()
		core.FailsafeTask()
		core.BatteryTask()
		core.SensorTask()
		core.ShutdownReportTask()
		core.CheckPendingReset()
		time.Sleep(10 * time.Microsecond)
	}
}

func handleCommand(cmdID uint16, data *[]byte) error {
	return core.DispatchCommand(cmdID, data)
}

// serviceConsole feeds buffered host bytes through the transport and
// flushes any pending output. A recover guard keeps a malformed frame
// from taking the firmware down; the transport resynchronizes on the
// next frame boundary.
func serviceConsole() {
	defer func() {
		if r := recover(); r != nil {
			msgErrors++
			inputBuffer.Reset()
			outputBuffer.Reset()
		}
	}()

	if inputBuffer.Available() > 0 {
		data := inputBuffer.Data()
		before := len(data)
		in := protocol.NewSliceInputBuffer(data)
		transport.Receive(in)
		if consumed := before - in.Available(); consumed > 0 {
			inputBuffer.Pop(consumed)
		}
	}

	if len(outputBuffer.Result()) > 0 {
		writeUSB()
	}
}

// usbReaderLoop moves bytes from the CDC endpoint into the input FIFO.
// Runs as its own goroutine so a busy main loop cannot overflow the
// endpoint buffer. On the first byte after a disconnect it resets the
// transport and firmware state, because the host that reconnects is
// usually a fresh process with no knowledge of the old session.
func usbReaderLoop() {
	defer func() {
		if r := recover(); r != nil {
			msgErrors++
			time.Sleep(100 * time.Millisecond)
			go usbReaderLoop()
		}
	}()

	for {
		for USBAvailable() > 0 {
			b, err := USBRead()
			if err != nil {
				msgErrors++
				break
			}

			if usbWasDisconnected {
				usbWasDisconnected = false
				consecutiveWriteFailures = 0
				inputBuffer.Reset()
				outputBuffer.Reset()
				transport.Reset()
				core.ResetFirmwareState()
			}

			if inputBuffer.Write([]byte{b}) == 0 {
				msgErrors++
				time.Sleep(10 * time.Millisecond)
			}
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// writeUSB drains the output buffer to the CDC endpoint. Repeated write
// failures mean the host is gone; drop the buffered traffic and flag the
// session so the next inbound byte triggers a clean reset.
func writeUSB() {
	result := outputBuffer.Result()
	if len(result) == 0 {
		return
	}

	written := 0
	for written < len(result) {
		n, err := USBWriteBytes(result[written:])
		if err != nil || n == 0 {
			consecutiveWriteFailures++
			if consecutiveWriteFailures > 10 {
				usbWasDisconnected = true
				consecutiveWriteFailures = 0
				inputBuffer.Reset()
				outputBuffer.Reset()
			}
			return
		}
		written += n
	}

	consecutiveWriteFailures = 0
	outputBuffer.Reset()
}

// registerBoardPins publishes the pin enumeration: the 30 GPIOs first,
// then the analog inputs at 30-34 so the ADC driver can strip the offset
// to recover the AINSEL channel.
func registerBoardPins() {
	names := make([]string, 35)
	for i := 0; i < 30; i++ {
		names[i] = "gpio" + itoa(i)
	}
	names[30] = "ADC0"
	names[31] = "ADC1"
	names[32] = "ADC2"
	names[33] = "ADC3"
	names[34] = "ADC_TEMPERATURE"
	core.RegisterEnumeration("pin", names)
}

// initDebugConsole routes debug output to UART0 on gp0/gp1, clear of the
// motor, I2C and ADC pins. The stream stays silent until the host sends
// set_debug enable=1.
func initDebugConsole() {
	uart := machine.UART0
	err := uart.Configure(machine.UARTConfig{
		BaudRate: 115200,
		TX:       machine.UART0_TX_PIN,
		RX:       machine.UART0_RX_PIN,
	})
	if err != nil {
		return
	}
	core.SetDebugWriter(func(line string) {
		uart.Write([]byte(line))
		uart.Write([]byte("\r\n"))
	})
}

// blinkForever signals an unrecoverable init failure on the on-board LED.
// Nothing is scheduled yet when this can trigger, so a busy loop is fine.
func blinkForever() {
	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	for {
		led.High()
		time.Sleep(100 * time.Millisecond)
		led.Low()
		time.Sleep(100 * time.Millisecond)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[pos:])
}
