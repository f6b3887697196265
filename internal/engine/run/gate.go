package run

import (
	"context"
	"sync"

	"dataflow-engine/internal/common/errors"
	"dataflow-engine/internal/engine/record"
)

// GateDecision is the approver's verdict on a parked GATE step.
type GateDecision int

const (
	GateApproved GateDecision = iota
	GateRejected
)

// GateView is what an approver sees for a parked gate: the run, the step,
// and a preview of the first N records waiting to pass through.
type GateView struct {
	RunID   string          `json:"runId"`
	StepKey string          `json:"stepKey"`
	Preview []record.Record `json:"preview"`
	Pending int             `json:"pending"`
}

type parkedGate struct {
	view     GateView
	decision chan GateDecision
}

// GateController parks GATE steps awaiting external approval and delivers
// decisions back to the waiting run. The run consumes no worker while
// parked, only a registry entry.
type GateController struct {
	mu     sync.Mutex
	parked map[string]*parkedGate
}

func NewGateController() *GateController {
	return &GateController{parked: make(map[string]*parkedGate)}
}

func gateID(runID, stepKey string) string {
	return runID + "/" + stepKey
}

// park registers a gate and returns the channel its decision arrives on.
func (g *GateController) park(view GateView) <-chan GateDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	gate := &parkedGate{view: view, decision: make(chan GateDecision, 1)}
	g.parked[gateID(view.RunID, view.StepKey)] = gate
	return gate.decision
}

func (g *GateController) unpark(runID, stepKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.parked, gateID(runID, stepKey))
}

// Pending lists every gate currently awaiting a decision.
func (g *GateController) Pending() []GateView {
	g.mu.Lock()
	defer g.mu.Unlock()

	views := make([]GateView, 0, len(g.parked))
	for _, gate := range g.parked {
		views = append(views, gate.view)
	}
	return views
}

// Approve releases a parked gate and lets downstream steps execute.
func (g *GateController) Approve(runID, stepKey string) error {
	return g.decide(runID, stepKey, GateApproved)
}

// Reject releases a parked gate; the gate step and everything downstream
// of it are marked SKIPPED.
func (g *GateController) Reject(runID, stepKey string) error {
	return g.decide(runID, stepKey, GateRejected)
}

func (g *GateController) decide(runID, stepKey string, decision GateDecision) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	gate, ok := g.parked[gateID(runID, stepKey)]
	if !ok {
		return errors.NotFoundError("pending gate " + gateID(runID, stepKey))
	}
	delete(g.parked, gateID(runID, stepKey))
	gate.decision <- decision
	return nil
}

// await blocks until a decision arrives or the run is cancelled.
func awaitGate(ctx context.Context, decisions <-chan GateDecision) (GateDecision, error) {
	select {
	case decision := <-decisions:
		return decision, nil
	case <-ctx.Done():
		return GateRejected, errors.CancelledError("run cancelled while awaiting gate approval", ctx.Err())
	}
}

// previewRecords returns the first n records, or all of them when fewer
// are pending.
func previewRecords(records []record.Record, n int) []record.Record {
	if n <= 0 {
		n = 10
	}
	if n > len(records) {
		n = len(records)
	}
	return record.CloneAll(records[:n])
}
