package max17262

// Variant selects between the two flavors of the IC. The R and H types
// differ in the LSB weight of the current, capacity and resistance
// registers.
type Variant int

const (
	VariantR Variant = iota
	VariantH
)

// DefaultAddr is the factory-programmed 7-bit I2C address of the chip.
const DefaultAddr uint16 = 0x36

// Registers are 16 bits wide, transferred LSByte first.
const (
	repCapReg    uint8 = 0x05 // RepCap, reported remaining capacity
	repSOCReg    uint8 = 0x06 // RepSOC, reported state of charge
	vCellReg     uint8 = 0x09 // VCell, cell voltage
	currentReg   uint8 = 0x0A // Current
	tteReg       uint8 = 0x11 // TTE, time to empty
	rCellReg     uint8 = 0x14 // RCell, calculated cell resistance
	designCapReg uint8 = 0x18 // DesignCap, battery design capacity
	iChgTermReg  uint8 = 0x1E // IChgTerm, charge termination current
	ttfReg       uint8 = 0x20 // TTF, time to full
	dieTempReg   uint8 = 0x34 // DieTemp, die temperature
	fStatReg     uint8 = 0x3D // FStat, flag status
	modelCfgReg  uint8 = 0xDB // ModelCfg, ModelGauge m5 EZ configuration
)

const (
	// Data-not-ready flag, set until the first conversion after power-up.
	fStatDNR uint16 = 0x0001

	// ModelCfg values: reload the EZ model with the matching charge
	// voltage window. Both set the refresh bit (bit 15); the chip clears
	// it once the reload finished.
	modelCfgRefresh  uint16 = 0x8000
	modelCfgLowVChg  uint16 = 0x8000
	modelCfgHighVChg uint16 = 0x8400
)

// Register LSB weights from the datasheet.
const (
	lsbPercent     = 1.0 / 256.0   // %
	lsbVoltage     = 1.25 / 16.0   // mV
	lsbTemperature = 1.0 / 256.0   // °C
	lsbTime        = 5.625         // s
	lsbCapacityR   = 0.5           // mAh
	lsbCapacityH   = 0.1667        // mAh
	lsbCurrentR    = 156.25        // µA
	lsbCurrentH    = 52.083        // µA
	lsbResistanceR = 1.0 / 4096.0  // Ω
	lsbResistanceH = 1.0 / 12288.0 // Ω
)

func (v Variant) capacityLSB() float64 {
	if v == VariantH {
		return lsbCapacityH
	}
	return lsbCapacityR
}

func (v Variant) currentLSB() float64 {
	if v == VariantH {
		return lsbCurrentH
	}
	return lsbCurrentR
}

func (v Variant) resistanceLSB() float64 {
	if v == VariantH {
		return lsbResistanceH
	}
	return lsbResistanceR
}

func (v Variant) String() string {
	switch v {
	case VariantR:
		return "R"
	case VariantH:
		return "H"
	}
	return "unknown"
}
