package main

import (
	"flag"
	"log"
	"strings"
	"time"

	"github.com/hannesrichter/max17262"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

func main() {
	bus := flag.String("bus", "", "Name of the I2C bus")
	capacity := flag.Int("capacity", 340, "Battery design capacity in mAh")
	termCurrent := flag.Int("term-current", 50000, "Charge termination current in uA")
	icFlag := flag.String("type", "r", "IC type (R or H)")
	highVoltage := flag.Bool("high-voltage", false, "Charge voltage above 4.25V")
	flag.Parse()

	_, err := host.Init()
	if err != nil {
		log.Fatal(err)
	}

	b, err := i2creg.Open(*bus)
	if err != nil {
		log.Fatal(err)
	}
	defer b.Close()

	var variant max17262.Variant
	switch strings.ToLower(*icFlag) {
	case "r":
		variant = max17262.VariantR
	case "h":
		variant = max17262.VariantH
	default:
		log.Fatal("Invalid IC type")
	}

	dev, err := max17262.New(b, &max17262.Opts{
		DesignCap:          *capacity,
		TerminationCurrent: *termCurrent,
		HighChargeVoltage:  *highVoltage,
		Variant:            variant,
	})
	if err != nil {
		log.Fatal(err)
	}

	ticker := time.NewTicker(2 * time.Second)

	for {
		soc, err := dev.StateOfCharge()
		if err != nil {
			log.Print(err)
		}
		tte, err := dev.TimeToEmpty()
		if err != nil {
			log.Print(err)
		}
		mv, err := dev.Voltage()
		if err != nil {
			log.Print(err)
		}
		ua, err := dev.Current()
		if err != nil {
			log.Print(err)
		}
		temp, err := dev.Temperature()
		if err != nil {
			log.Print(err)
		}

		log.Printf("Charge: %.1f %%", soc)
		log.Printf("Time to empty: %.0f s", tte)
		log.Printf("Voltage: %.3f V", mv/1000)
		log.Printf("Current: %.1f mA", ua/1000)
		log.Printf("Die temperature: %.2f C", temp)

		<-ticker.C
	}
}
