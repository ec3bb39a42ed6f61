// Command zygotedemo runs a few units of work through a zygote process and
// prints what ran where.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	zygote "github.com/criyle/go-zygote"
	"github.com/criyle/go-zygote/pkg/rlimit"
)

var (
	count   = flag.Int("n", 5, "number of workers to run")
	nested  = flag.Bool("nested", false, "run through a nested zygote")
	nofile  = flag.Uint64("nofile", 0, "worker open file limit (0 to inherit)")
	showErr = flag.Bool("stderr", false, "collect and print the zygote's stderr")
)

var inspect = zygote.Register("inspect", func(greeting string) (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s from pid %d on %s", greeting, os.Getpid(), host), nil
})

func main() {
	// must run before anything else: in the zygote and worker copies of
	// this binary Init takes over the process
	if err := zygote.Init(); err != nil {
		log.Fatalln("init:", err)
	}
	defer zygote.Shutdown()
	flag.Parse()

	z := zygote.Global()
	if *showErr || *nofile > 0 {
		b := zygote.Builder{Stderr: *showErr}
		if *nofile > 0 {
			b.WorkerRLimits = rlimit.RLimits{OpenFile: *nofile}
		}
		custom, err := b.Build()
		if err != nil {
			log.Fatalln("build:", err)
		}
		defer func() {
			custom.Destroy()
			if *showErr {
				fmt.Fprint(os.Stderr, custom.Stderr())
			}
		}()
		z = custom
	}

	target := z
	if *nested {
		nz, err := z.Spawn()
		if err != nil {
			log.Fatalln("spawn:", err)
		}
		defer nz.Destroy()
		target = nz
	}

	for i := 0; i < *count; i++ {
		start := time.Now()
		out, err := inspect.RunOn(target, fmt.Sprintf("hello %d", i))
		if err != nil {
			log.Fatalln("run:", err)
		}
		fmt.Printf("%s (%v)\n", out, time.Since(start).Round(time.Microsecond))
	}
}
