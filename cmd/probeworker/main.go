// Command probeworker is the separate OS process a Dispatcher forks to run
// probes. It speaks the workerproc wire protocol over its own stdin/stdout
// and does nothing else; all probing logic lives in pkg/probe.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pilot-net/icmp-batch/pkg/probe"
	"github.com/pilot-net/icmp-batch/pkg/workerproc"
)

func main() {
	executorType := flag.String("executor", "icmp_ping", "probe executor to run: icmp_ping or mtr")
	fpingPath := flag.String("fping-path", "fping", "path to the fping binary")
	mtrPath := flag.String("mtr-path", "mtr", "path to the mtr binary")
	flag.Parse()

	var executor probe.Executor
	switch *executorType {
	case "icmp_ping":
		e := probe.NewICMPExecutor()
		e.FpingPath = *fpingPath
		executor = e
	case "mtr":
		e := probe.NewMTRExecutor()
		e.MTRPath = *mtrPath
		executor = e
	default:
		fmt.Fprintf(os.Stderr, "probeworker: unknown executor %q\n", *executorType)
		os.Exit(2)
	}

	workerproc.Main(&probe.TransformerAdapter{Executor: executor}, map[string]string{
		"executor": *executorType,
	})
}
