// Package max17262 controls a Maxim MAX17262 fuel-gauge IC over an I2C bus.
//
// The driver supports both the R and H variants of the chip, which differ in
// the LSB weight of the current, capacity and resistance registers. It runs
// the gauge in its default ModelGauge m5 EZ configuration, without battery
// profiles or calibration, which is good enough for the chip to estimate
// capacity and state of charge on common single-cell batteries.
//
// # Datasheet
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/MAX17262.pdf
package max17262

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// ErrInitTimeout is returned by New when the gauge does not report ready
// within Opts.InitTimeout.
var ErrInitTimeout = errors.New("timeout waiting for gauge")

// ErrInvalidParam is returned by New when a battery parameter cannot be
// encoded into its register.
var ErrInvalidParam = errors.New("battery parameter out of range")

// Opts holds the battery parameters written to the gauge during
// initialization, along with device addressing options.
type Opts struct {
	// DesignCap is the battery design capacity in mAh. Required.
	DesignCap int
	// TerminationCurrent is the charge termination current in µA. The
	// gauge reports the battery as full once the charge current falls
	// below this threshold. Required.
	TerminationCurrent int
	// HighChargeVoltage must be set for batteries charging above 4.25V.
	HighChargeVoltage bool
	// Addr overrides the factory-programmed I2C address. Zero selects
	// DefaultAddr.
	Addr uint16
	// Variant selects the R or H flavor of the chip.
	Variant Variant
	// InitTimeout bounds the data-not-ready and model-reload waits during
	// initialization. Zero selects 2s, several times the worst reload
	// time given in the user guide.
	InitTimeout time.Duration
}

// New initializes a MAX17262 on the given bus with the supplied battery
// parameters.
//
// The chip resets its gauging algorithm as part of initialization, so New
// blocks until it reports the model reload finished, re-reading every 10ms
// and giving up after Opts.InitTimeout.
func New(bus i2c.Bus, opts *Opts) (*Dev, error) {
	if opts == nil {
		return nil, fmt.Errorf("max17262: no options given: %w", ErrInvalidParam)
	}

	switch opts.Variant {
	case VariantR, VariantH:
	default:
		return nil, fmt.Errorf("max17262: invalid variant %d: %w", opts.Variant, ErrInvalidParam)
	}

	// Both encodings are validated before the first bus transaction so a
	// bad parameter never leaves the chip half-configured.
	capRaw, err := encodeCapacity(opts.DesignCap, opts.Variant)
	if err != nil {
		return nil, fmt.Errorf("max17262: %w", err)
	}
	curRaw, err := encodeTermCurrent(opts.TerminationCurrent, opts.Variant)
	if err != nil {
		return nil, fmt.Errorf("max17262: %w", err)
	}

	addr := opts.Addr
	if addr == 0 {
		addr = DefaultAddr
	}
	timeout := opts.InitTimeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}

	d := &Dev{
		d:       &i2c.Dev{Bus: bus, Addr: addr},
		opts:    *opts,
		timeout: timeout,
	}

	// The gauge needs time after power-up before its registers are valid.
	// The data-not-ready wait comes from the user guide, the datasheet
	// does not mention it.
	if err := d.waitClear(fStatReg, fStatDNR); err != nil {
		return nil, err
	}

	// Battery parameters for the EZ model.
	if err := d.writeReg(designCapReg, capRaw); err != nil {
		return nil, err
	}
	if err := d.writeReg(iChgTermReg, curRaw); err != nil {
		return nil, err
	}

	// Reload the model with the matching charge voltage window.
	cfg := modelCfgLowVChg
	if opts.HighChargeVoltage {
		cfg = modelCfgHighVChg
	}
	if err := d.writeReg(modelCfgReg, cfg); err != nil {
		return nil, err
	}
	if err := d.waitClear(modelCfgReg, modelCfgRefresh); err != nil {
		return nil, err
	}

	return d, nil
}

// Dev is a handle to an initialized MAX17262.
//
// A Dev does not serialize register access. Callers sharing one instance
// across goroutines must provide their own synchronization; the internal
// lock only guards the continuous-sensing machinery.
type Dev struct {
	d       *i2c.Dev
	opts    Opts
	timeout time.Duration

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

func (d *Dev) String() string {
	return fmt.Sprintf("max17262{%s}", d.d)
}

// StateOfCharge returns the reported state of charge in percent.
func (d *Dev) StateOfCharge() (float64, error) {
	v, err := d.readReg(repSOCReg)
	if err != nil {
		return 0, err
	}
	return float64(v) * lsbPercent, nil
}

// TimeToEmpty returns the estimated time to empty in seconds.
func (d *Dev) TimeToEmpty() (float64, error) {
	v, err := d.readReg(tteReg)
	if err != nil {
		return 0, err
	}
	return float64(v) * lsbTime, nil
}

// TimeToFull returns the estimated time to full in seconds.
func (d *Dev) TimeToFull() (float64, error) {
	v, err := d.readReg(ttfReg)
	if err != nil {
		return 0, err
	}
	return float64(v) * lsbTime, nil
}

// Current returns the battery current in µA, negative while discharging.
func (d *Dev) Current() (float64, error) {
	v, err := d.readSigned(currentReg)
	if err != nil {
		return 0, err
	}
	return float64(v) * d.opts.Variant.currentLSB(), nil
}

// Voltage returns the cell voltage in mV.
func (d *Dev) Voltage() (float64, error) {
	v, err := d.readReg(vCellReg)
	if err != nil {
		return 0, err
	}
	return float64(v) * lsbVoltage, nil
}

// Capacity returns the reported remaining capacity in mAh.
func (d *Dev) Capacity() (float64, error) {
	v, err := d.readReg(repCapReg)
	if err != nil {
		return 0, err
	}
	return float64(v) * d.opts.Variant.capacityLSB(), nil
}

// Temperature returns the die temperature in °C.
func (d *Dev) Temperature() (float64, error) {
	v, err := d.readSigned(dieTempReg)
	if err != nil {
		return 0, err
	}
	return float64(v) * lsbTemperature, nil
}

// Resistance returns the calculated cell resistance in Ω.
func (d *Dev) Resistance() (float64, error) {
	v, err := d.readReg(rCellReg)
	if err != nil {
		return 0, err
	}
	return float64(v) * d.opts.Variant.resistanceLSB(), nil
}

// Sense reads the die temperature into e.
//
// State of charge, voltage and current have no physic.Env slot; use the
// typed accessors for those.
func (d *Dev) Sense(e *physic.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return d.wrap(errors.New("already sensing continuously"))
	}
	return d.sense(e)
}

// SenseContinuous returns die temperature measurements on a continuous
// basis.
//
// The application must call Halt() to stop the sensing when done to stop
// the goroutine and close the channel.
//
// It's the responsibility of the caller to retrieve the values from the
// channel as fast as possible, otherwise the interval may not be respected.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
		d.wg.Wait()
	}

	sensing := make(chan physic.Env)
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(sensing)
		d.sensingContinuous(interval, sensing, d.stop)
	}()
	return sensing, nil
}

// Precision implements physic.SenseEnv. The die temperature LSB is 1/256°C.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 256
}

// Halt stops the MAX17262 measurements initiated by SenseContinuous().
//
// It is recommended to call this function before terminating the process to
// avoid a goroutine leak.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop == nil {
		return nil
	}
	close(d.stop)
	d.stop = nil
	d.wg.Wait()

	return nil
}

func (d *Dev) sense(e *physic.Env) error {
	t, err := d.Temperature()
	if err != nil {
		return err
	}
	e.Temperature = physic.Temperature(t*1000)*physic.MilliCelsius + physic.ZeroCelsius
	return nil
}

func (d *Dev) sensingContinuous(interval time.Duration, sensing chan<- physic.Env, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		// Do one initial sensing right away.
		e := physic.Env{}
		if err := d.sense(&e); err != nil {
			return
		}
		select {
		case sensing <- e:
		case <-stop:
			return
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

// waitClear polls reg every 10ms until the bits in mask read back as zero,
// giving up after the configured timeout.
func (d *Dev) waitClear(reg uint8, mask uint16) error {
	deadline := time.Now().Add(d.timeout)
	for {
		v, err := d.readReg(reg)
		if err != nil {
			return err
		}
		if v&mask == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return d.wrap(fmt.Errorf("register %#02x bit %#04x never cleared: %w", reg, mask, ErrInitTimeout))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// readReg reads a 16-bit register, LSByte first.
func (d *Dev) readReg(reg uint8) (uint16, error) {
	var buf [2]byte
	if err := d.d.Tx([]byte{reg}, buf[:]); err != nil {
		return 0, d.wrap(err)
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

func (d *Dev) readSigned(reg uint8) (int16, error) {
	v, err := d.readReg(reg)
	return int16(v), err
}

// writeReg writes a 16-bit register, LSByte first.
func (d *Dev) writeReg(reg uint8, val uint16) error {
	if err := d.d.Tx([]byte{reg, byte(val), byte(val >> 8)}, nil); err != nil {
		return d.wrap(err)
	}
	return nil
}

// encodeCapacity converts a capacity in mAh to raw DesignCap units,
// truncating toward zero.
func encodeCapacity(mAh int, v Variant) (uint16, error) {
	if mAh <= 0 {
		return 0, fmt.Errorf("design capacity %dmAh: %w", mAh, ErrInvalidParam)
	}
	raw := int(float64(mAh) / v.capacityLSB())
	if raw > 0xFFFF {
		return 0, fmt.Errorf("design capacity %dmAh: %w", mAh, ErrInvalidParam)
	}
	return uint16(raw), nil
}

// encodeTermCurrent converts a termination current in µA to raw IChgTerm
// units, truncating toward zero. IChgTerm is a signed register.
func encodeTermCurrent(uA int, v Variant) (uint16, error) {
	if uA <= 0 {
		return 0, fmt.Errorf("termination current %dµA: %w", uA, ErrInvalidParam)
	}
	raw := int(float64(uA) / v.currentLSB())
	if raw > 0x7FFF {
		return 0, fmt.Errorf("termination current %dµA: %w", uA, ErrInvalidParam)
	}
	return uint16(raw), nil
}

func (d *Dev) wrap(err error) error {
	return fmt.Errorf("max17262: %w", err)
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
