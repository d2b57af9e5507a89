// mock-arm runs a simulated drawing arm for dry runs of the host.
// It accepts the ASCII command protocol on the command port and streams
// telemetry packets on the feedback port.
//
// Usage:
//
//	mock-arm [--addr 127.0.0.1:29999] [--feedback 127.0.0.1:30004] [options]
//
// Options:
//
//	--latency duration   delay before every acknowledgement
//	--sync-latency       extra delay before a Sync() acknowledgement
//	--fail-at int        answer the n-th frame with a fault
//	--fault-id int       error id of the injected fault (default -2)
//	--log-level string   DEBUG shows every received frame
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/ogier/pflag"

	"drawbot-go/pkg/log"
	"drawbot-go/pkg/mockarm"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:29999", "command port listen address")
	feedback := flag.String("feedback", "127.0.0.1:30004", "telemetry listen address (empty disables)")
	latency := flag.Duration("latency", 0, "delay before every acknowledgement")
	syncLatency := flag.Duration("sync-latency", 0, "extra delay before a Sync() acknowledgement")
	failAt := flag.Int("fail-at", 0, "answer the n-th frame with a fault (0: never)")
	faultID := flag.Int("fault-id", mockarm.DefaultFaultID, "error id of the injected fault")
	interval := flag.Duration("feedback-interval", 0, "telemetry period (default 100ms)")
	logLevel := flag.String("log-level", "", "minimum log level")
	flag.Parse()

	logger := log.GetLogger("mock-arm")
	if *logLevel != "" {
		log.Root().SetLevel(log.ParseLevel(*logLevel))
	}

	arm, err := mockarm.Start(*addr, *feedback, mockarm.Options{
		Latency:          *latency,
		SyncLatency:      *syncLatency,
		FailAt:           *failAt,
		FaultID:          *faultID,
		FeedbackInterval: *interval,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-arm: %v\n", err)
		os.Exit(1)
	}
	if fb := arm.FeedbackAddr(); fb != "" {
		logger.Info("telemetry on %s", fb)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	arm.Close()
	logger.WithFields(log.Fields{
		"frames": len(arm.Frames()),
		"mode":   arm.Mode().String(),
		"pose":   arm.Pose().String(),
	}).Info("stopped")
}
