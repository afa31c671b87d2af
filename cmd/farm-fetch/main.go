// farm-fetch downloads a single file into place atomically. It exists
// as a separate binary so the dispatcher and intake daemons can run
// transfers in an isolated subprocess: a wedged transfer costs one
// child process, not the parent's event loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/veldt/buildfarm/pkg/fetcher"
)

func main() {
	var (
		url     = flag.String("url", "", "source URL")
		dest    = flag.String("dest", "", "destination path")
		timeout = flag.Duration("timeout", time.Minute, "transfer deadline")
	)
	flag.Parse()

	if *url == "" || *dest == "" {
		fmt.Fprintln(os.Stderr, "usage: farm-fetch -url URL -dest PATH [-timeout DURATION]")
		os.Exit(fetcher.ExitUsage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := fetcher.Download(ctx, *url, *dest); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(fetcher.ExitCode(err))
	}
}
