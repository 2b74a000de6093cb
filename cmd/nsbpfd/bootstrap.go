package main

import (
	"fmt"
	"strings"

	"github.com/nsbpf/nsbpfd/internal/config"
	"github.com/nsbpf/nsbpfd/internal/dispatch"
	"github.com/nsbpf/nsbpfd/internal/lifecycle"
	"github.com/nsbpf/nsbpfd/internal/registry"
	"github.com/nsbpf/nsbpfd/internal/taxonomy"
)

// declarativeToAddRequest translates a programs.d/*.toml fragment into
// the same AddRequest the RPC front end builds for an interactive add,
// so a declaratively-loaded program and an RPC-loaded one go through
// identical validation and persistence.
func declarativeToAddRequest(dp config.DeclarativeProgram, ifindex map[string]int) (lifecycle.AddRequest, error) {
	tok, err := config.ParseProgramToken(dp.Program)
	if err != nil {
		return lifecycle.AddRequest{}, err
	}

	req := lifecycle.AddRequest{
		EntryFunc: tok.Func,
		Location:  registry.Location{LocalPath: dp.Location, PullPolicy: dp.PullPolicy},
		Metadata:  dp.Metadata,
		IfName:    dp.Interface,
		Priority:  dp.Priority,
		Direction: registry.Direction(dp.Direction),
	}
	if !strings.HasPrefix(dp.Location, "/") {
		req.Location = registry.Location{ImageRef: dp.Location, PullPolicy: dp.PullPolicy}
	}
	if dp.MapOwnerID != nil {
		req.HasMapOwnerID = true
		req.MapOwnerID = *dp.MapOwnerID
	}

	gd := map[string][]byte{}
	for _, tokStr := range dp.GlobalData {
		name, data, err := config.ParseGlobalData(tokStr)
		if err != nil {
			return lifecycle.AddRequest{}, fmt.Errorf("%s: %w", dp.Name, err)
		}
		gd[name] = data
	}
	if len(gd) > 0 {
		req.GlobalData = gd
	}

	switch tok.Type {
	case config.ProgramXDP:
		req.Kind = registry.KindXDP
	case config.ProgramTC:
		req.Kind = registry.KindTC
	case config.ProgramTCX:
		req.Kind = registry.KindTCX
	case config.ProgramTracepoint:
		req.Kind = registry.KindTracepoint
		req.TracepointName = tok.Func
	case config.ProgramKprobe:
		req.Kind = registry.KindKprobe
		req.Target = tok.Func
	case config.ProgramUprobe:
		req.Kind = registry.KindUprobe
		req.Target = tok.Func
	case config.ProgramFentry:
		req.Kind = registry.KindFentry
		req.Target = tok.AttachFn
	case config.ProgramFexit:
		req.Kind = registry.KindFexit
		req.Target = tok.AttachFn
	default:
		return lifecycle.AddRequest{}, fmt.Errorf("%s: %w: %s", dp.Name, taxonomy.ErrBadProgramType, tok.Type)
	}

	if req.Kind.IsMultiAttach() {
		if _, ok := ifindex[dp.Interface]; !ok {
			return lifecycle.AddRequest{}, fmt.Errorf("%s: %w: interface %q not configured", dp.Name, taxonomy.ErrBadAttachPoint, dp.Interface)
		}
		hookKind := dispatch.XDP
		if req.Kind == registry.KindTC {
			hookKind = dispatch.TCIngress
			if req.Direction == registry.DirEgress {
				hookKind = dispatch.TCEgress
			}
		}
		if len(dp.ProceedOn) > 0 {
			actions, err := dispatch.ParseProceedOnTokens(hookKind, strings.Join(dp.ProceedOn, ","))
			if err != nil {
				return lifecycle.AddRequest{}, fmt.Errorf("%s: %w", dp.Name, err)
			}
			req.ProceedOn = actions
		}
	}

	return req, nil
}

// reconcileProgramsD loads every programs.d/*.toml fragment and adds
// each one that is not already present in the registry. A program is
// considered present if a prior run already persisted one with the
// same metadata "programs.d/name" tag; this is the only identity a
// declarative fragment carries across restarts, since the kernel id it
// is assigned is only known after loading.
func reconcileProgramsD(orch *lifecycle.Orchestrator, dir string, ifindex map[string]int, log func(string, ...interface{})) error {
	frags, err := config.LoadProgramsD(dir)
	if err != nil {
		return fmt.Errorf("load programs.d: %w", err)
	}
	if len(frags) == 0 {
		return nil
	}

	existing, err := orch.List()
	if err != nil {
		return fmt.Errorf("list existing programs: %w", err)
	}
	seen := map[string]bool{}
	for _, p := range existing {
		if name := p.Metadata()["programs.d/name"]; name != "" {
			seen[name] = true
		}
	}

	for _, dp := range frags {
		if seen[dp.Name] {
			continue
		}
		req, err := declarativeToAddRequest(dp, ifindex)
		if err != nil {
			return fmt.Errorf("programs.d/%s: %w", dp.Name, err)
		}
		if req.Metadata == nil {
			req.Metadata = map[string]string{}
		}
		req.Metadata["programs.d/name"] = dp.Name
		if _, err := orch.Add(req); err != nil {
			return fmt.Errorf("programs.d/%s: add: %w", dp.Name, err)
		}
		log("loaded declarative program %s (%s)", dp.Name, dp.Program)
	}
	return nil
}
