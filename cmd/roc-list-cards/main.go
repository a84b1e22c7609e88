// roc-list-cards prints a table of the readout cards found in the system.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/o2-daq/readoutcard"
	_ "github.com/o2-daq/readoutcard/cru"
	_ "github.com/o2-daq/readoutcard/rorc"
)

func main() {
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	readoutcard.SetLogger(log)

	cards := readoutcard.FindAll()
	if len(cards) == 0 {
		fmt.Println("no readout cards found")
		os.Exit(0)
	}

	factory := readoutcard.NewChannelFactory(log)
	header := fmt.Sprintf("%-3s %-5s %-10s %-9s %-9s %-4s %-8s %-12s %-18s",
		"#", "Type", "PCI Addr", "Vendor ID", "Device ID", "NUMA", "Serial", "FW Version", "Card ID")
	fmt.Println(header)
	for i, card := range cards {
		firmware, cardID := "n/a", "n/a"
		bar, err := factory.OpenBar(
			readoutcard.NewParameters().SetCardID(readoutcard.AddressID(card.Address)))
		if err != nil {
			log.WithError(err).WithField("address", card.Address.String()).
				Debug("could not open control bar")
		} else {
			if fw, ok := bar.FirmwareInfo(); ok {
				firmware = fw
			}
			if id, ok := bar.CardID(); ok {
				cardID = id
			}
			bar.Close()
		}
		fmt.Printf("%-3d %-5s %-10s 0x%-7x 0x%-7x %-4d %-8s %-12s %-18s\n",
			i, card.CardType, card.Address, card.PciID.Vendor, card.PciID.Device,
			card.NumaNode, card.SerialString(), firmware, cardID)
	}
}
