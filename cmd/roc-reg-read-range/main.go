// roc-reg-read-range dumps a range of consecutive 32-bit registers from a
// card's control BAR.
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
	address := flag.String("address", "0", "byte address of the first register, hex accepted with 0x prefix")
	count := flag.Int("count", 1, "number of consecutive registers to read")
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
	if *count < 1 {
		log.Fatalf("bad count %d", *count)
	}

	bar, err := readoutcard.NewChannelFactory(log).OpenBar(
		readoutcard.NewParameters().SetCardID(cardID))
	if err != nil {
		log.WithError(err).Fatal("could not open bar")
	}
	defer bar.Close()

	for i := 0; i < *count; i++ {
		byteAddr := uint32(addr) + uint32(i)*4
		fmt.Printf("0x%08x  0x%08x\n", byteAddr, bar.ReadRegister(byteAddr/4))
	}
}
