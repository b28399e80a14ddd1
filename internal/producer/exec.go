package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"

	"github.com/shadowqmc/shadowqmc/pkg/types"
)

// ExecPropagator runs an external propagation program. The configuration
// is passed in JOB_* environment variables and the program must print one
// shard record in wire form on stdout.
type ExecPropagator struct {
	// Path is the program to run
	Path string

	// Args are passed to the program unchanged
	Args []string

	// Dir is the working directory; empty uses the current one
	Dir string

	// Env is appended to the inherited environment
	Env []string
}

// Propagate runs the program and parses its output.
func (p *ExecPropagator) Propagate(ctx context.Context, cfg PropagationConfig) ([]complex128, []float64, error) {
	cmd := exec.CommandContext(ctx, p.Path, p.Args...)
	cmd.Dir = p.Dir
	cmd.Env = append(append(os.Environ(), p.Env...), jobEnv(cfg)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			log.Printf("producer: %s stderr: %s", p.Path, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, nil, fmt.Errorf("producer: run %s: %w", p.Path, err)
	}

	var rec types.ShardRecord
	if err := json.Unmarshal(stdout.Bytes(), &rec); err != nil {
		return nil, nil, fmt.Errorf("producer: parse output of %s: %w", p.Path, err)
	}
	return rec.Energies, rec.Weights, nil
}

// jobEnv renders cfg as the environment contract of the batch worker.
func jobEnv(cfg PropagationConfig) []string {
	env := []string{
		"JOB_TIME_STEPS=" + strconv.Itoa(cfg.TimeSteps),
		"JOB_DTAU=" + strconv.FormatFloat(cfg.StepSize, 'g', -1, 64),
		"JOB_WALKERS=" + strconv.Itoa(cfg.Walkers),
		"JOB_SEED=" + strconv.FormatUint(cfg.Seed, 10),
	}
	if cfg.TrialState != "" {
		env = append(env, "JOB_TRIAL_STATE="+cfg.TrialState)
	}
	if cfg.Hamiltonian != "" {
		env = append(env, "JOB_HAMILTONIAN="+cfg.Hamiltonian)
	}
	if cfg.InputKey != "" {
		env = append(env, "JOB_INPUT_FILE_KEY="+cfg.InputKey)
	}
	return env
}
