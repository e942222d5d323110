package pinger

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
)

// PlanSource is the pluggable collaborator spec.md §1 calls out as
// deliberately external: topology discovery produces the target list, the
// orchestrator only consumes it. cmd/udppinger-probe needs some concrete
// way to get a plan list to run the engine end to end, so two minimal
// implementations are provided here; a real deployment would supply its own
// backed by actual topology discovery.
type PlanSource interface {
	GetTestPlans(ctx context.Context) ([]*TestPlan, error)
}

// StaticPlanSource returns the same plan list every tick. Useful for tests
// and for a fixed-target deployment.
type StaticPlanSource struct {
	Plans []*TestPlan
}

func (s StaticPlanSource) GetTestPlans(ctx context.Context) ([]*TestPlan, error) {
	out := make([]*TestPlan, len(s.Plans))
	for i, p := range s.Plans {
		cp := *p
		cp.PacketsSent = 0
		out[i] = &cp
	}
	return out, nil
}

// planFileEntry is the on-disk shape for FilePlanSource's JSON document.
type planFileEntry struct {
	IP         string `json:"ip"`
	MAC        string `json:"mac"`
	Name       string `json:"name"`
	Site       string `json:"site"`
	Network    string `json:"network"`
	IsPOP      bool   `json:"is_pop"`
	IsCN       bool   `json:"is_cn"`
	NumPackets int    `json:"num_packets"`
}

// FilePlanSource reads a JSON array of planFileEntry from Path on every
// call, so an operator can update the target list between sweeps without
// restarting the daemon.
type FilePlanSource struct {
	Path string
}

func (s FilePlanSource) GetTestPlans(ctx context.Context) ([]*TestPlan, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read plan file %q: %w", s.Path, err)
	}
	var entries []planFileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse plan file %q: %w", s.Path, err)
	}

	plans := make([]*TestPlan, 0, len(entries))
	for _, e := range entries {
		ip := net.ParseIP(e.IP)
		if ip == nil || ip.To4() != nil {
			return nil, fmt.Errorf("plan file %q: %q is not a valid IPv6 address", s.Path, e.IP)
		}
		plans = append(plans, &TestPlan{
			Target: Target{
				IP:      ip,
				MAC:     e.MAC,
				Name:    e.Name,
				Site:    e.Site,
				Network: e.Network,
				IsPOP:   e.IsPOP,
				IsCN:    e.IsCN,
			},
			NumPackets: e.NumPackets,
		})
	}
	return plans, nil
}
