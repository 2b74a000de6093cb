// Command nsbpfd is the privileged daemon that loads, attaches, and
// tears down eBPF programs on behalf of local RPC clients.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"syscall"

	"github.com/cilium/ebpf/rlimit"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/nsbpf/nsbpfd/internal/attach"
	"github.com/nsbpf/nsbpfd/internal/config"
	"github.com/nsbpf/nsbpfd/internal/dispatch"
	"github.com/nsbpf/nsbpfd/internal/fsroot"
	"github.com/nsbpf/nsbpfd/internal/ifresolve"
	"github.com/nsbpf/nsbpfd/internal/image"
	"github.com/nsbpf/nsbpfd/internal/lifecycle"
	"github.com/nsbpf/nsbpfd/internal/logging"
	"github.com/nsbpf/nsbpfd/internal/mapstore"
	"github.com/nsbpf/nsbpfd/internal/rpcsrv"
	"github.com/nsbpf/nsbpfd/internal/store"
)

const appName = "nsbpfd"

var (
	cpuprofile     = flag.String("cpuprofile", "", "write cpu profile to file")
	configOverride = flag.String("config-file-override", "", "override location for the configuration file")
	verbose        = flag.Bool("v", false, "enable debug logging to stderr")
)

func main() {
	flag.Parse()

	lg := logging.New(os.Stderr)
	if *verbose {
		lg.SetLevel(logging.DEBUG)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			lg.Fatal("failed to open cpu profile file", logging.KVErr(err))
		}
		defer f.Close()
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	layout := fsroot.New(appName)
	if err := layout.Create(); err != nil {
		lg.Fatal("failed to build runtime layout", logging.KVErr(err))
	}

	confLoc := layout.ConfigFile
	if *configOverride != "" {
		confLoc = *configOverride
	}
	cfg, err := config.LoadFile(confLoc)
	if err != nil {
		lg.Fatal("failed to load configuration", logging.KV("path", confLoc), logging.KVErr(err))
	}

	lockPath := filepath.Join(layout.RuntimeRoot, appName+".lock")
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		lg.Fatal("failed to acquire daemon lock", logging.KVErr(err))
	}
	if !locked {
		lg.Fatal("another instance holds the daemon lock", logging.KV("path", lockPath))
	}
	defer fl.Unlock()

	if err := rlimit.RemoveMemlock(); err != nil {
		lg.Fatal("failed to remove memlock rlimit", logging.KVErr(err))
	}

	db, err := store.Open(filepath.Join(layout.DBDir, "registry.db"), cfg.Database.Retries(), cfg.Database.RetryDelay())
	if err != nil {
		lg.Fatal("failed to open persistent store", logging.KVErr(err))
	}
	defer db.Close()

	images := image.New(filepath.Join(layout.RuntimeRoot, "images"), nil)
	maps := mapstore.New(db, layout)
	attacher := attach.New(layout)
	backend := dispatch.NewCiliumBackend()
	dispatcher := dispatch.NewManager(db, layout, backend)

	orch := lifecycle.New(db, layout, images, maps, attacher, dispatcher, lifecycle.NewCiliumKernelEnumerator(), lg.With())

	ifindex := map[string]int{}
	for name := range cfg.Interfaces {
		idx, err := ifresolve.Resolve(name)
		if err != nil {
			lg.Warn("failed to resolve configured interface, skipping", logging.KV("interface", name), logging.KVErr(err))
			continue
		}
		ifindex[name] = idx
	}

	if err := orch.Rebuild(ifindex); err != nil {
		lg.Fatal("failed to rebuild dispatcher state from persisted registry", logging.KVErr(err))
	}

	logf := func(format string, args ...interface{}) { lg.Info(fmt.Sprintf(format, args...)) }
	if err := reconcileProgramsD(orch, layout.ProgramsD, ifindex, logf); err != nil {
		lg.Fatal("failed to reconcile declarative programs", logging.KVErr(err))
	}

	watcher, err := watchProgramsD(orch, layout.ProgramsD, ifindex, lg)
	if err != nil {
		lg.Warn("failed to watch programs.d for changes", logging.KVErr(err))
	} else {
		defer watcher.Close()
	}

	accessLog := logrus.New()
	accessLog.SetOutput(os.Stderr)
	listeners, err := rpcsrv.Listen(&cfg.GRPC, orch, accessLog)
	if err != nil {
		lg.Fatal("failed to bind rpc listeners", logging.KVErr(err))
	}

	for _, l := range listeners {
		go func(l *rpcsrv.Listener) {
			if err := l.Serve(); err != nil {
				lg.Warn("rpc listener stopped", logging.KV("path", l.Path), logging.KVErr(err))
			}
		}(l)
	}
	lg.Info("daemon started", logging.KV("endpoints", len(listeners)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	lg.Info("shutting down", logging.KV("signal", sig.String()))

	for _, l := range listeners {
		l.Close()
	}
	orch.Close()
}
