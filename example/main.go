package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Gurux/gxcommon-go"
	"github.com/Gurux/gxenclave-go"
	"golang.org/x/text/language"
)

var (
	port     = flag.String("S", "", "Port name")
	baudRate = flag.Int("b", 9600, "Baud rate")
	message  = flag.String("m", "", "Send message")
	t        = flag.String("t", "", "Trace level.")
	w        = flag.Int("w", 1000, "WaitTime in milliseconds.")
	lang     = flag.String("lang", "", "Used language.")
)

func main() {
	flag.Parse()
	if *port == "" {
		flag.PrintDefaults()
		return
	}

	media := gxenclave.NewGXEnclave(*port, gxcommon.BaudRate(*baudRate))
	if *lang != "" {
		tag, err := language.Parse(*lang)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error parsing language:", err)
			return
		}
		media.Localize(tag)
	}

	media.SetOnError(func(m gxcommon.IGXMedia, err error) {
		// log/handle error
		fmt.Fprintln(os.Stderr, "error:", err)
	})

	media.SetOnReceived(func(m gxcommon.IGXMedia, e gxcommon.ReceiveEventArgs) {
		fmt.Printf("Packet queued: %s\n", e.String())
	})

	media.SetOnMediaStateChange(func(m gxcommon.IGXMedia, e gxcommon.MediaStateEventArgs) {
		fmt.Printf("Media state change : %s\n", e.State().String())
	})

	media.SetOnTrace(func(m gxcommon.IGXMedia, e gxcommon.TraceEventArgs) {
		fmt.Printf("Trace: %s\n", e.String())
	})

	err := media.Validate()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}

	if *t != "" {
		tl, err := gxcommon.TraceLevelParse(*t)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return
		}
		err = media.SetTrace(tl)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return
		}
	}
	fmt.Printf("Host port: %s\n", *port)
	err = media.Open()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error returned:", err)
		ret, err := gxenclave.GetPortNames()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Failed to get available serial ports: ", err)
			return
		}
		fmt.Fprintln(os.Stderr, "Available serial ports: "+strings.Join(ret, ","))
		return
	}
	//Close the connection.
	defer func() {
		if err := media.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "close failed:", err)
		}
	}()

	if *message != "" {
		if _, err := media.Write([]byte(*message)); err != nil {
			fmt.Fprintln(os.Stderr, "write failed:", err)
			return
		}
	}

	//Drain forwarded packets until the wait time passes without data.
	deadline := time.Now().Add(time.Duration(*w) * time.Millisecond)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, err := media.Read(buf, false)
		if errors.Is(err, gxenclave.ErrWouldBlock) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "read failed:", err)
			return
		}
		fmt.Printf("Packet data: % X\n", buf[:n])
	}

	fmt.Printf("Root state: %d\n", media.RootState())
	fmt.Printf("Version: %d\n", media.Version())
	fmt.Printf("Exit\n")
}
