// roc-bench-dma exercises the DMA pipeline of one channel and reports
// throughput.  It keeps every link's descriptor FIFO as full as it can,
// pops completed superpages and recycles them.
package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/sirupsen/logrus"
	"github.com/theckman/yacspin"
	"golang.org/x/time/rate"
	yml "gopkg.in/yaml.v2"

	"github.com/o2-daq/readoutcard"
	_ "github.com/o2-daq/readoutcard/cru"
	"github.com/o2-daq/readoutcard/dmabuf"
	_ "github.com/o2-daq/readoutcard/rorc"
)

var (
	// Version is typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "roc-bench-dma.yml"
	k              = koanf.New(".")
)

// Config describes one benchmark run.
type Config struct {
	ID            string        `koanf:"id" yaml:"id"`
	Channel       uint32        `koanf:"channel" yaml:"channel"`
	Links         string        `koanf:"links" yaml:"links"`
	BufferPath    string        `koanf:"bufferPath" yaml:"bufferPath"`
	BufferSize    int           `koanf:"bufferSize" yaml:"bufferSize"`
	SuperpageSize int           `koanf:"superpageSize" yaml:"superpageSize"`
	Generator     bool          `koanf:"generator" yaml:"generator"`
	DataSize      int           `koanf:"dataSize" yaml:"dataSize"`
	Duration      time.Duration `koanf:"duration" yaml:"duration"`
	Verbose       bool          `koanf:"verbose" yaml:"verbose"`
}

func defaults() Config {
	return Config{
		ID:            "-1",
		Channel:       0,
		Links:         "0",
		BufferPath:    "",
		BufferSize:    32 * 1024 * 1024,
		SuperpageSize: 1024 * 1024,
		Generator:     true,
		DataSize:      8192,
		Duration:      10 * time.Second,
	}
}

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `roc-bench-dma runs a DMA throughput benchmark against a readout card.
With the default card id of -1 it runs against the dummy backend, which is
useful to check the configuration before touching hardware.

Usage:
	roc-bench-dma <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `roc-bench-dma is configured via ` + ConfigFileName + ` in the working
directory.  Generate a starting point with mkconf.

id            card id: serial number, PCI address B:D.F, or -1 for the dummy
channel       DMA channel (RORC: 0-5, CRU: 0)
links         link mask, e.g. "0-3,8"
bufferPath    hugetlbfs file to map as the DMA buffer; empty uses anonymous memory
bufferSize    buffer size in bytes, a multiple of the superpage size
superpageSize superpage size in bytes, a multiple of the DMA page size
generator     drive the card's internal data generator
dataSize      generator event size in bytes
duration      how long to run, e.g. 30s`
	fmt.Println(str)
}

func mkconf() {
	b, err := yml.Marshal(defaults())
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	f.Write(b)
	fmt.Println("wrote", ConfigFileName)
}

func conf() {
	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	b, err := yml.Marshal(c)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Print(string(b))
}

func run() {
	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}

	lg := logrus.New()
	lg.SetLevel(logrus.InfoLevel)
	if c.Verbose {
		lg.SetLevel(logrus.DebugLevel)
	}
	readoutcard.SetLogger(lg)

	cardID, err := readoutcard.CardIDFromString(c.ID)
	if err != nil {
		lg.WithError(err).Fatal("bad card id")
	}
	mask, err := readoutcard.LinkMaskFromString(c.Links)
	if err != nil {
		lg.WithError(err).Fatal("bad link mask")
	}
	if c.SuperpageSize <= 0 || c.BufferSize%c.SuperpageSize != 0 {
		lg.Fatalf("buffer size %d is not a multiple of superpage size %d", c.BufferSize, c.SuperpageSize)
	}

	var spec dmabuf.Spec
	if c.BufferPath != "" {
		spec = dmabuf.File{Path: c.BufferPath, Size: int64(c.BufferSize)}
	} else {
		spec = dmabuf.Memory{Data: make([]byte, c.BufferSize)}
	}

	params := readoutcard.MakeParameters(cardID, c.Channel).
		SetBufferSpec(spec).
		SetLinkMask(mask).
		SetGeneratorEnabled(c.Generator).
		SetGeneratorDataSize(c.DataSize)
	if c.Generator {
		params.SetGeneratorLoopback(readoutcard.LoopbackInternal).
			SetGeneratorPattern(readoutcard.PatternIncremental)
	}

	factory := readoutcard.NewChannelFactory(lg)

	// The card can refuse an open right after a reset while firmware
	// reinitializes; retry with exponential backoff before giving up.
	var channel readoutcard.DmaChannel
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	err = backoff.Retry(func() error {
		var oerr error
		channel, oerr = factory.OpenChannel(params)
		if oerr != nil && readoutcard.KindOf(oerr) == readoutcard.ErrorCardNotFound {
			return backoff.Permanent(oerr)
		}
		return oerr
	}, policy)
	if err != nil {
		lg.WithError(err).Fatal("could not open channel")
	}
	defer channel.Close()

	spinner, _ := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[14],
		Suffix:          " benchmarking",
		SuffixAutoColon: true,
		StopCharacter:   "✓",
	})
	spinner.Start()
	defer spinner.Stop()

	if err := channel.StartDma(); err != nil {
		lg.WithError(err).Fatal("could not start DMA")
	}

	links := mask.IDs()
	// Free superpage offsets, shared across links.
	var free []int
	for off := 0; off+c.SuperpageSize <= c.BufferSize; off += c.SuperpageSize {
		free = append(free, off)
	}

	var bytes, pages int64
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	start := time.Now()
	deadline := start.Add(c.Duration)

	for time.Now().Before(deadline) {
		for _, link := range links {
			for len(free) > 0 {
				sp := readoutcard.Superpage{Offset: free[len(free)-1], Size: c.SuperpageSize}
				if err := channel.PushSuperpage(link, sp); err != nil {
					if err == readoutcard.ErrFifoFull {
						break
					}
					lg.WithError(err).Fatal("push failed")
				}
				free = free[:len(free)-1]
			}
			for {
				sp, err := channel.PopSuperpage(link)
				if err != nil {
					if err == readoutcard.ErrNoReadySuperpage {
						break
					}
					lg.WithError(err).Fatal("pop failed")
				}
				bytes += int64(sp.Filled)
				pages++
				free = append(free, sp.Offset)
			}
		}
		if limiter.Allow() {
			elapsed := time.Since(start).Seconds()
			spinner.Message(fmt.Sprintf("%.2f GB/s, %d superpages", float64(bytes)/1e9/elapsed, pages))
		}
	}

	if err := channel.StopDma(); err != nil {
		lg.WithError(err).Error("could not stop DMA")
	}
	spinner.Stop()

	elapsed := time.Since(start).Seconds()
	fmt.Printf("ran %.1fs: %d superpages, %d bytes, %.2f GB/s\n",
		elapsed, pages, bytes, float64(bytes)/1e9/elapsed)
}

func version() {
	fmt.Printf("roc-bench-dma version %v\n", Version)
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd = args[1]
	setupconfig()
	switch cmd {
	case "help":
		help()
	case "run":
		run()
	case "mkconf":
		mkconf()
	case "conf":
		conf()
	case "version":
		version()
	default:
		root()
	}
}
