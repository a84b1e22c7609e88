// roc-reg-write writes a single 32-bit register on a card's control BAR
// and reads it back, unless -noread is given for write-only registers.
package main

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/o2-daq/readoutcard"
	_ "github.com/o2-daq/readoutcard/cru"
	_ "github.com/o2-daq/readoutcard/rorc"
)

func main() {
	id := flag.String("id", "", "card id: serial number or PCI address B:D.F")
	address := flag.String("address", "0", "byte address of the register, hex accepted with 0x prefix")
	value := flag.String("value", "", "32-bit value to write, hex accepted with 0x prefix")
	noRead := flag.Bool("noread", false, "skip the readback, for write-only registers")
	flag.Parse()

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	readoutcard.SetLogger(log)

	cardID, err := readoutcard.CardIDFromString(*id)
	if err != nil {
		log.WithError(err).Fatal("bad card id")
	}
	addr, err := strconv.ParseUint(*address, 0, 32)
	if err != nil || addr%4 != 0 {
		log.Fatalf("bad register address %q: must be a 4-byte aligned number", *address)
	}
	val, err := strconv.ParseUint(*value, 0, 32)
	if err != nil {
		log.Fatalf("bad register value %q", *value)
	}

	bar, err := readoutcard.NewChannelFactory(log).OpenBar(
		readoutcard.NewParameters().SetCardID(cardID))
	if err != nil {
		log.WithError(err).Fatal("could not open bar")
	}
	defer bar.Close()

	bar.WriteRegister(uint32(addr/4), uint32(val))
	if !*noRead {
		fmt.Printf("0x%08x\n", bar.ReadRegister(uint32(addr/4)))
	}
}
