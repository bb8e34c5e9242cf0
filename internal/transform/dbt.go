package transform

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"

	"splashelt/internal/config"
)

// DbtRunner executes a dbt project against the warehouse after the in-process
// aggregates are written. dbt stays an external tool; the pipeline only
// brackets the subprocess and surfaces its failure.
type DbtRunner struct {
	cfg config.Dbt

	// runCmd is swapped in tests to avoid a real dbt install.
	runCmd func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewDbtRunner(cfg config.Dbt) *DbtRunner {
	return &DbtRunner{cfg: cfg, runCmd: runCombined}
}

func runCombined(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Run invokes `dbt run` for the configured project. A disabled runner is a
// no-op. A non-zero dbt exit becomes an *AnalysisError carrying the tail of
// the combined output.
func (d *DbtRunner) Run(ctx context.Context) error {
	if !d.cfg.Enabled {
		return nil
	}

	args := []string{"run", "--project-dir", d.cfg.ProjectDir}
	if d.cfg.ProfilesDir != "" {
		args = append(args, "--profiles-dir", d.cfg.ProfilesDir)
	}

	log.Printf("transform: running dbt %s", strings.Join(args, " "))
	out, err := d.runCmd(ctx, "dbt", args...)
	if err != nil {
		return &AnalysisError{
			Stage: "dbt",
			Err:   fmt.Errorf("dbt run failed: %w: %s", err, tail(out, 2000)),
		}
	}
	log.Printf("transform: dbt run complete")
	return nil
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
