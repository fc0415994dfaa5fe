// Command nm3term is a bench terminal for an NM3 acoustic modem on a
// host serial adapter: query the modem's address and voltage, send
// broadcast or unicast payloads, and dump every decoded incoming frame.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"

	"usmart/mainloop/nm3"
)

func main() {
	portName := flag.String("port", "/dev/ttyUSB0", "serial port the modem is attached to")
	baud := flag.Int("baud", 9600, "baud rate")
	flag.Parse()

	port, err := serial.OpenPort(&serial.Config{
		Name:        *portName,
		Baud:        *baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("open %s: %v", *portName, err)
	}
	defer port.Close()

	driver := nm3.New(&serialAdapter{port: port}, time.Sleep)

	fmt.Println("nm3term - commands: status | b <payload> | u <addr> <payload> | poll | quit")
	sc := bufio.NewScanner(os.Stdin)
	for {
		drainAndPrint(driver)
		fmt.Print("> ")
		if !sc.Scan() {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		switch fields[0] {
		case "quit", "q":
			return
		case "status":
			addr, volts, err := driver.QueryStatus()
			if err != nil {
				log.Printf("status: %v", err)
				continue
			}
			fmt.Printf("modem address %03d, supply %.2f V\n", addr, volts)
		case "b":
			if len(fields) < 2 {
				log.Println("usage: b <payload>")
				continue
			}
			payload := strings.Join(fields[1:], " ")
			if err := driver.SendBroadcast([]byte(payload)); err != nil {
				log.Printf("broadcast: %v", err)
				continue
			}
			fmt.Printf("broadcast %d bytes\n", len(payload))
		case "u":
			if len(fields) < 3 {
				log.Println("usage: u <addr> <payload>")
				continue
			}
			addr, err := strconv.Atoi(fields[1])
			if err != nil || addr < 1 || addr > 255 {
				log.Println("bad address, want 1..255")
				continue
			}
			if err := driver.SendUnicast(uint8(addr), []byte(fields[2])); err != nil {
				log.Printf("unicast: %v", err)
				continue
			}
			fmt.Printf("unicast %d bytes to %03d\n", len(fields[2]), addr)
		case "poll":
			// drainAndPrint at the top of the loop does the work.
		default:
			log.Printf("unknown command %q", fields[0])
		}
	}
}

func drainAndPrint(driver *nm3.Driver) {
	for _, p := range driver.Poll() {
		src := "---"
		if p.Source >= 0 {
			src = fmt.Sprintf("%03d", p.Source)
		}
		fmt.Printf("<- %s from %s: %q\n", p.Kind, src, p.PayloadBytes())
	}
}

// serialAdapter exposes a tarm serial port through the modem driver's
// port surface. The port's read timeout makes Buffered a short
// non-blocking probe.
type serialAdapter struct {
	port    *serial.Port
	pending []byte
	buf     [256]byte
}

func (a *serialAdapter) Buffered() int {
	if len(a.pending) == 0 {
		n, _ := a.port.Read(a.buf[:])
		a.pending = a.buf[:n]
	}
	return len(a.pending)
}

func (a *serialAdapter) ReadByte() (byte, error) {
	if len(a.pending) == 0 {
		return 0, fmt.Errorf("no data")
	}
	b := a.pending[0]
	a.pending = a.pending[1:]
	return b, nil
}

func (a *serialAdapter) Write(p []byte) (int, error) {
	return a.port.Write(p)
}
