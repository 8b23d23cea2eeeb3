package usecase

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"bytemomo/fleetwarden/internal/domain"

	nmap "github.com/Ullaakut/nmap/v3"
	log "github.com/sirupsen/logrus"
)

// ProbeResult is the preflight state of one target's SSH port.
type ProbeResult struct {
	TargetID  string `json:"target_id"`
	Address   string `json:"address"`
	Port      uint16 `json:"port"`
	Reachable bool   `json:"reachable"`
	State     string `json:"state"`
	Service   string `json:"service,omitempty"`
}

// PreflightUC checks with nmap which targets have their SSH port open
// before a fleet run dials them.
type PreflightUC struct {
	Timing            string
	CommandTimeout    time.Duration
	SkipHostDiscovery bool
	ServiceDetect     bool
}

// Probe scans every target's address and port once.
func (s PreflightUC) Probe(ctx context.Context, targets []domain.Target) ([]ProbeResult, error) {
	addrs := sanitizeAddresses(targets)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no target addresses to probe")
	}
	ports := portList(targets)

	log.WithFields(log.Fields{
		"targets": len(addrs),
		"ports":   ports,
	}).Info("Starting nmap preflight")

	opts := []nmap.Option{
		nmap.WithTargets(addrs...),
		nmap.WithPorts(ports),
		nmap.WithDisabledDNSResolution(),
	}

	if s.SkipHostDiscovery {
		opts = append(opts, nmap.WithSkipHostDiscovery()) // -Pn
	}

	if s.ServiceDetect {
		opts = append(opts, nmap.WithServiceInfo(), nmap.WithVersionLight()) // -sV --version-light
	}

	switch s.Timing {
	case "":
	case "T0":
		opts = append(opts, nmap.WithTimingTemplate(nmap.TimingSlowest))
	case "T1":
		opts = append(opts, nmap.WithTimingTemplate(nmap.TimingSneaky))
	case "T2":
		opts = append(opts, nmap.WithTimingTemplate(nmap.TimingPolite))
	case "T3":
		opts = append(opts, nmap.WithTimingTemplate(nmap.TimingNormal))
	case "T4":
		opts = append(opts, nmap.WithTimingTemplate(nmap.TimingAggressive))
	case "T5":
		opts = append(opts, nmap.WithTimingTemplate(nmap.TimingFastest))
	default:
		log.Errorf("Wrong timing for preflight: %s", s.Timing)
	}

	if s.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.CommandTimeout)
		defer cancel()
	}

	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		log.WithError(err).Error("Failed to create nmap scanner")
		return nil, fmt.Errorf("create nmap scanner: %w", err)
	}

	result, warnings, err := scanner.Run()
	if err != nil {
		log.WithError(err).Error("Nmap preflight failed")
		return nil, fmt.Errorf("run nmap: %w", err)
	}
	if warnings != nil && len(*warnings) > 0 {
		log.WithField("warnings", *warnings).Warn("Nmap preflight produced warnings")
	}

	probes := reachableFromRun(result, targets)
	up := 0
	for _, p := range probes {
		if p.Reachable {
			up++
		}
	}
	log.WithFields(log.Fields{
		"reachable":   up,
		"unreachable": len(probes) - up,
	}).Info("Nmap preflight complete")
	return probes, nil
}

// reachableFromRun maps scan results back onto targets. A target matches a
// host by IP address or by the name it was scanned as.
func reachableFromRun(run *nmap.Run, targets []domain.Target) []ProbeResult {
	states := make(map[string]nmap.Port)
	if run != nil {
		for _, h := range run.Hosts {
			names := hostNames(h)
			for _, p := range h.Ports {
				for _, name := range names {
					states[hostPortKey(name, uint16(p.ID))] = p
				}
			}
		}
	}

	out := make([]ProbeResult, 0, len(targets))
	for _, t := range targets {
		port := t.Port
		if port == 0 {
			port = 22
		}
		pr := ProbeResult{TargetID: t.ID, Address: t.Address, Port: port, State: "unknown"}
		if p, ok := states[hostPortKey(t.Address, port)]; ok {
			pr.State = strings.ToLower(p.State.State)
			pr.Service = p.Service.Name
			pr.Reachable = pr.State == "open"
		}
		out = append(out, pr)
	}
	return out
}

// PreflightExecutor fails targets a preflight found unreachable without
// dialing them and delegates the rest.
type PreflightExecutor struct {
	Next        domain.RemoteExecutor
	Unreachable map[string]string
}

// NewPreflightExecutor wraps next, skipping every probe that is not
// reachable.
func NewPreflightExecutor(next domain.RemoteExecutor, probes []ProbeResult) *PreflightExecutor {
	p := &PreflightExecutor{Next: next, Unreachable: make(map[string]string)}
	for _, pr := range probes {
		if !pr.Reachable {
			p.Unreachable[pr.TargetID] = fmt.Sprintf("preflight: %s port %d is %s", pr.Address, pr.Port, pr.State)
		}
	}
	return p
}

func (p *PreflightExecutor) Execute(ctx context.Context, t domain.Target, cmd domain.RemoteCommand) domain.ExecutionResult {
	if reason, skip := p.Unreachable[t.ID]; skip {
		return domain.ExecutionResult{
			TargetID:  t.ID,
			Status:    domain.StatusFailure,
			ErrorKind: domain.KindConnect,
			ExitCode:  -1,
			Error:     reason,
		}
	}
	return p.Next.Execute(ctx, t, cmd)
}

// ---------------- helpers ----------------

func sanitizeAddresses(targets []domain.Target) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, t := range targets {
		a := strings.TrimSpace(t.Address)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

func portList(targets []domain.Target) string {
	set := map[uint16]struct{}{}
	for _, t := range targets {
		port := t.Port
		if port == 0 {
			port = 22
		}
		set[port] = struct{}{}
	}
	ports := make([]int, 0, len(set))
	for p := range set {
		ports = append(ports, int(p))
	}
	sort.Ints(ports)
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func hostNames(h nmap.Host) []string {
	var names []string
	for _, a := range h.Addresses {
		if a.AddrType == "ipv4" || a.AddrType == "ipv6" {
			names = append(names, a.Addr)
		}
	}
	for _, hn := range h.Hostnames {
		if hn.Name != "" {
			names = append(names, hn.Name)
		}
	}
	return names
}

func hostPortKey(host string, port uint16) string {
	return net.JoinHostPort(strings.ToLower(host), strconv.Itoa(int(port)))
}
