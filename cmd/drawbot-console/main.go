// drawbot-console is an interactive operator shell for the drawing arm:
// enable, clear faults, query the mode and jog the arm by hand.
//
// Usage:
//
//	drawbot-console [-c arm.cfg] [--host 192.168.1.6] [command args...]
//
// With trailing arguments the single command is run and the console exits.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/abiosoft/ishell"
	flag "github.com/ogier/pflag"

	"drawbot-go/pkg/config"
	"drawbot-go/pkg/device"
	"drawbot-go/pkg/log"
)

func main() {
	configPath := flag.StringP("config", "c", "", "configuration file")
	host := flag.String("host", "", "arm address, overrides [device] host")
	noFeedback := flag.Bool("no-feedback", false, "do not open the telemetry link")
	timeout := flag.Duration("timeout", 60*time.Second, "per-command timeout")
	flag.Parse()

	cfg, err := config.LoadDrawbot(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drawbot-console: %v\n", err)
		os.Exit(2)
	}
	var edit *config.Editable
	if *configPath != "" {
		if edit, err = config.LoadEditable(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "drawbot-console: %v\n", err)
			os.Exit(2)
		}
	}
	if *host != "" {
		cfg.Device.Host = *host
	}

	dcfg := device.DefaultConfig(cfg.Device.Address())
	dcfg.ConnectTimeout = cfg.Device.ConnectTimeout
	if cfg.Device.FeedbackPort > 0 && !*noFeedback {
		fb := cfg.Device
		fb.Port = cfg.Device.FeedbackPort
		dcfg.FeedbackAddress = fb.Address()
	}

	ctx, cancel := context.WithTimeout(context.Background(), dcfg.ConnectTimeout)
	conn, err := device.Dial(ctx, dcfg)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "drawbot-console: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()
	log.GetLogger("console").Info("connected to %s", conn.Addr())

	c := &console{dev: conn, timeout: *timeout, edit: edit}
	shell := ishell.New()
	shell.SetPrompt(fmt.Sprintf("[%s]> ", conn.Addr()))
	c.register(shell)

	if flag.NArg() > 0 {
		if err := shell.Process(flag.Args()...); err != nil {
			fmt.Fprintf(os.Stderr, "drawbot-console: %v\n", err)
			conn.Close()
			os.Exit(1)
		}
		return
	}
	shell.Println("drawbot console, type 'help' for commands")
	shell.Run()
}
