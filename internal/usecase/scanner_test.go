package usecase

import (
	"context"
	"testing"
	"time"

	"bytemomo/fleetwarden/internal/domain"

	nmap "github.com/Ullaakut/nmap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scannedHost(addr, name string, ports ...nmap.Port) nmap.Host {
	h := nmap.Host{
		Addresses: []nmap.Address{{Addr: addr, AddrType: "ipv4"}},
		Ports:     ports,
	}
	if name != "" {
		h.Hostnames = []nmap.Hostname{{Name: name}}
	}
	return h
}

func scannedPort(id uint16, state, service string) nmap.Port {
	return nmap.Port{ID: id, State: nmap.State{State: state}, Service: nmap.Service{Name: service}}
}

func TestReachableFromRun(t *testing.T) {
	run := &nmap.Run{Hosts: []nmap.Host{
		scannedHost("10.0.0.1", "", scannedPort(22, "open", "ssh")),
		scannedHost("10.0.0.2", "", scannedPort(22, "filtered", "")),
		scannedHost("10.0.0.3", "mx3.example.com", scannedPort(2222, "open", "ssh")),
	}}
	targets := []domain.Target{
		{ID: "a", Address: "10.0.0.1"},
		{ID: "b", Address: "10.0.0.2", Port: 22},
		{ID: "c", Address: "MX3.example.com", Port: 2222},
		{ID: "d", Address: "10.0.0.4"},
	}

	probes := reachableFromRun(run, targets)
	require.Len(t, probes, 4)

	assert.True(t, probes[0].Reachable)
	assert.Equal(t, "ssh", probes[0].Service)
	assert.Equal(t, uint16(22), probes[0].Port)

	assert.False(t, probes[1].Reachable)
	assert.Equal(t, "filtered", probes[1].State)

	assert.True(t, probes[2].Reachable)

	assert.False(t, probes[3].Reachable)
	assert.Equal(t, "unknown", probes[3].State)
}

func TestReachableFromRun_NilRun(t *testing.T) {
	probes := reachableFromRun(nil, []domain.Target{{ID: "a", Address: "10.0.0.1"}})
	require.Len(t, probes, 1)
	assert.False(t, probes[0].Reachable)
}

func TestPreflightExecutor(t *testing.T) {
	next := newFakeExecutor()
	exec := NewPreflightExecutor(next, []ProbeResult{
		{TargetID: "a", Address: "10.0.0.1", Port: 22, Reachable: true, State: "open"},
		{TargetID: "b", Address: "10.0.0.2", Port: 22, State: "closed"},
	})

	cmd := domain.RemoteCommand{Script: "true", Timeout: time.Second}
	ok := exec.Execute(context.Background(), domain.Target{ID: "a"}, cmd)
	assert.Equal(t, domain.StatusSuccess, ok.Status)

	skipped := exec.Execute(context.Background(), domain.Target{ID: "b"}, cmd)
	assert.Equal(t, domain.StatusFailure, skipped.Status)
	assert.Equal(t, domain.KindConnect, skipped.ErrorKind)
	assert.Equal(t, "preflight: 10.0.0.2 port 22 is closed", skipped.Error)
	assert.True(t, skipped.Retryable())

	assert.Equal(t, 1, next.totalCalls())
	assert.Zero(t, next.callsFor("b"))
}

func TestPortListAndAddresses(t *testing.T) {
	targets := []domain.Target{
		{ID: "a", Address: "10.0.0.1"},
		{ID: "b", Address: " 10.0.0.1 ", Port: 2222},
		{ID: "c", Address: "10.0.0.2", Port: 22},
	}
	assert.Equal(t, "22,2222", portList(targets))
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, sanitizeAddresses(targets))
}
