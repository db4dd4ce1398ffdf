// Command cowvmoctl is a demo CLI exercising the VMO engine: it builds
// an anonymous or pager-backed node, commits its first page, creates a
// copy-on-write clone over the whole VMO, and prints the committed byte
// count and the clone's size. With --listen it also serves the default
// Prometheus registry on /metrics.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	vmo "github.com/ryogrid/cowvmo"
	"github.com/ryogrid/cowvmo/interfaces"
	"github.com/ryogrid/cowvmo/storage/pagesource"
	"github.com/ryogrid/cowvmo/storage/pmm"
	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"k8s.io/klog/v2"
)

var (
	pageSize    = kingpin.Flag("page-size", "Page size in bytes.").Default("4096").Uint64()
	vmoSize     = kingpin.Flag("size", "Initial VMO size in bytes.").Default("65536").Uint64()
	pagerBacked = kingpin.Flag("pager", "Back the VMO with an in-memory page source instead of anonymous memory.").Bool()
	listenAddr  = kingpin.Flag("listen", "Address to serve /metrics on; empty disables serving.").Default("").String()
)

func main() {
	kingpin.Parse()

	if *listenAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(*listenAddr, nil); err != nil {
				klog.Errorf("metrics server: %v", err)
			}
		}()
	}

	memPMM := pmm.NewDirectPMM(int(*pageSize))

	var root *vmo.Node
	if *pagerBacked {
		src := pagesource.NewMemPageSource(nil, *pageSize, interfaces.PageSourceProperties{
			IsPreservingPageContent:   true,
			ShouldTrapDirtyTransitions: false,
		})
		root = vmo.NewExternal(src, 0, *vmoSize, *pageSize, memPMM)
	} else {
		root = vmo.NewAnonymous(0, 0, *vmoSize, *pageSize, memPMM, nil)
	}

	if err := root.TransitionToAlive(); err != nil {
		fmt.Fprintf(os.Stderr, "transition_to_alive: %v\n", err)
		os.Exit(1)
	}

	committed, req, err := root.CommitRange(vmo.Range{Offset: 0, Length: *pageSize})
	if err != nil && req == nil {
		fmt.Fprintf(os.Stderr, "commit_range: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("committed %d bytes at offset 0\n", committed)

	d := vmo.NewDeferredOps(root, memPMM, nil)
	clone, err := root.CreateClone(vmo.CloneOnWrite, false, vmo.Range{Offset: 0, Length: *vmoSize}, d)
	d.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create_clone: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("created clone sized %d bytes\n", clone.Size())

	if root.IsHidden() {
		fmt.Println("root became hidden after clone")
	}
}
