package stagegate

import "fmt"

// Stage is an installation milestone. Each stage adds checks to the ones of
// the stages before it.
type Stage int

const (
	ContrailInstalled   Stage = 1 // OpenContrail installed, not provisioned
	OpenShiftInstalled  Stage = 2
	ContrailProvisioned Stage = 3
	ServicesStarted     Stage = 4 // OpenShift system services started
	ApplicationDeployed Stage = 5
)

// DefaultStage is used when no stage is given.
const DefaultStage = ContrailInstalled

var stageNames = map[Stage]string{
	ContrailInstalled:   "OpenContrail installed",
	OpenShiftInstalled:  "OpenShift installed",
	ContrailProvisioned: "OpenContrail provisioned",
	ServicesStarted:     "OpenShift services started",
	ApplicationDeployed: "test application deployed",
}

// ParseStage converts a command-line stage number.
func ParseStage(n int) (Stage, error) {
	s := Stage(n)
	if !s.Valid() {
		return 0, fmt.Errorf("stage %d out of range [%d, %d]", n, ContrailInstalled, ApplicationDeployed)
	}
	return s, nil
}

func (s Stage) Valid() bool {
	return s >= ContrailInstalled && s <= ApplicationDeployed
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return fmt.Sprintf("stage %d (%s)", int(s), name)
	}
	return fmt.Sprintf("stage %d", int(s))
}
