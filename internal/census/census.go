// Package census counts the entries of the process-information
// pseudo-filesystem as a rough measure of how many processes are visible.
//
// A reading is only meaningful at the instant it is taken: other processes
// come and go, so nothing relates two successive readings.
package census

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/common"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/bebsworthy/proccensus/internal/config"
	"github.com/bebsworthy/proccensus/internal/errors"
)

// Stage names the point in a driver iteration at which a reading was taken
type Stage string

const (
	StageInitial Stage = "initial"
	StageSpawned Stage = "spawned"
	StageFinal   Stage = "final"
)

// Reading is a single census count
type Reading struct {
	Stage Stage     `json:"stage"`
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}

// Probe lists Dir and counts its entries
type Probe struct {
	Dir string
	// PIDsOnly restricts the count to entries named by a decimal pid
	PIDsOnly bool
}

// NewProbe creates a probe from configuration
func NewProbe(cfg config.CensusConfig) *Probe {
	return &Probe{
		Dir:      cfg.Dir,
		PIDsOnly: cfg.PIDsOnly,
	}
}

// Count returns the number of entries in the probe directory, or the number
// of pids listed there when PIDsOnly is set
func (p *Probe) Count() (int, error) {
	if p.PIDsOnly {
		return p.countPIDs()
	}

	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return 0, p.listError(err)
	}
	return len(entries), nil
}

// countPIDs lists pids through gopsutil with Dir standing in for the host /proc
func (p *Probe) countPIDs() (int, error) {
	ctx := context.WithValue(context.Background(), common.EnvKey,
		common.EnvMap{common.HostProcEnvKey: p.Dir})

	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return 0, p.listError(err)
	}

	count := 0
	for _, pid := range pids {
		if pid > 0 {
			count++
		}
	}
	return count, nil
}

func (p *Probe) listError(err error) error {
	return errors.ProbeError(errors.CodeProbeFailed, "Failed to list "+p.Dir, err).
		WithDetails("dir", p.Dir)
}

// Take counts and stamps the result with stage
func (p *Probe) Take(stage Stage) (Reading, error) {
	n, err := p.Count()
	if err != nil {
		return Reading{}, err
	}
	return Reading{Stage: stage, Count: n, At: time.Now()}, nil
}
