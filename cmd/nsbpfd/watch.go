package main

import (
	"fmt"

	"github.com/fsnotify/fsnotify"

	"github.com/nsbpf/nsbpfd/internal/lifecycle"
	"github.com/nsbpf/nsbpfd/internal/logging"
)

// watchProgramsD reconciles dir against the registry every time a file
// under it changes, so dropping a new fragment in programs.d loads it
// without a daemon restart. Fragment removal and config.toml edits are
// not handled here: an already-loaded program is never torn down just
// because its fragment disappeared, and grpc/interfaces changes require
// a restart to take effect.
func watchProgramsD(orch *lifecycle.Orchestrator, dir string, ifindex map[string]int, lg *logging.Logger) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	logf := func(format string, args ...interface{}) { lg.Info(fmt.Sprintf(format, args...)) }
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if err := reconcileProgramsD(orch, dir, ifindex, logf); err != nil {
					lg.Warn("programs.d reconciliation failed", logging.KV("event", ev.Name), logging.KVErr(err))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				lg.Warn("programs.d watch error", logging.KVErr(err))
			}
		}
	}()
	return w, nil
}
