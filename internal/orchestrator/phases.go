package orchestrator

import (
	"fmt"
	"slices"
)

// Phase is one step of a workflow. The last completed phase is stored in
// the ledger so an interrupted workflow continues after it.
type Phase string

const (
	PhaseDeploy          Phase = "deploy"
	PhaseInstall         Phase = "install"
	PhaseFetchConfig     Phase = "fetch-config"
	PhaseRedeploy        Phase = "redeploy"
	PhaseUpgradeRedeploy Phase = "upgrade-redeploy"
	PhaseUpgrade         Phase = "upgrade"
	PhaseTeardown        Phase = "teardown"
	PhaseDropTables      Phase = "drop-tables"
)

var (
	createPhases = []Phase{PhaseDeploy, PhaseInstall, PhaseFetchConfig, PhaseRedeploy}
	updatePhases = []Phase{PhaseUpgradeRedeploy, PhaseUpgrade}
	deletePhases = []Phase{PhaseTeardown, PhaseDropTables}
)

// remaining returns the phases after checkpoint. An empty checkpoint means
// nothing has completed yet.
func remaining(phases []Phase, checkpoint string) ([]Phase, error) {
	if checkpoint == "" {
		return phases, nil
	}
	i := slices.Index(phases, Phase(checkpoint))
	if i < 0 {
		return nil, fmt.Errorf("unknown checkpoint %q", checkpoint)
	}
	return phases[i+1:], nil
}

func (p Phase) errorKind() ErrorKind {
	switch p {
	case PhaseInstall, PhaseUpgrade:
		return KindInstallFailure
	case PhaseFetchConfig:
		return KindConfigFetchFailure
	case PhaseDropTables:
		return KindDataStoreFailure
	default:
		return KindDeploymentFailure
	}
}
