package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/nergy-se/ilc/pkg/modbusclient"
)

var decimals = flag.Int("decimals", 2, "register decimals, 2 means the register holds hundredths")

func main() {
	address := flag.String("addr", "", "tcp modbus address")
	slaveID := flag.Int("slave", 0, "modbus slave id")
	timeout := flag.Duration("timeout", 5*time.Second, "")

	inputreg := flag.Int("inputreg", 0, "input register to read")
	holdingreg := flag.Int("holdingreg", 0, "holding register to read or write")
	holdingreg32 := flag.Int("holdingreg32", 0, "32 bit holding register to read")
	coil := flag.Int("coil", 0, "coil to read or write")

	value := flag.Float64("value", 0, "value to write, scaled by decimals for registers. coils are on for any non zero value")
	flag.Parse()

	client := modbusclient.Dial(*address, byte(*slaveID), *timeout)
	defer client.Close()

	scale := math.Pow10(*decimals)
	write := isFlagPassed("value")

	var err error
	switch {
	case isFlagPassed("inputreg"):
		var v int
		v, err = client.ReadInputRegister(uint16(*inputreg))
		printValue(v, scale, err)
	case isFlagPassed("holdingreg") && write:
		raw := int(math.Round(*value * scale))
		err = client.WriteSingleRegister(uint16(*holdingreg), raw)
		if err == nil {
			log.Printf("wrote %d to holding register %d", raw, *holdingreg)
		}
	case isFlagPassed("holdingreg"):
		var v int
		v, err = client.ReadHoldingRegister16(uint16(*holdingreg))
		printValue(v, scale, err)
	case isFlagPassed("holdingreg32"):
		var v int
		v, err = client.ReadHoldingRegister32(uint16(*holdingreg32))
		printValue(v, scale, err)
	case isFlagPassed("coil") && write:
		err = client.WriteSingleCoil(uint16(*coil), *value != 0)
		if err == nil {
			log.Printf("wrote %t to coil %d", *value != 0, *coil)
		}
	case isFlagPassed("coil"):
		var on bool
		on, err = client.ReadCoil(uint16(*coil))
		if err == nil {
			log.Println("value is: ", on)
		}
	default:
		flag.Usage()
		return
	}

	if err != nil {
		log.Println("error was: ", err)
	}
}

func printValue(raw int, scale float64, err error) {
	if err != nil {
		return
	}
	fmt.Printf("raw value: %d\n", raw)
	log.Println("value is: ", float64(raw)/scale)
}

func isFlagPassed(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
