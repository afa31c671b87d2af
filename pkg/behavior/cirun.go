package behavior

import (
	"fmt"
	"os"

	"github.com/veldt/buildfarm/pkg/farm"
)

var ciVocab = map[string]farm.Outcome{
	"SUCCEEDED": farm.OutcomeSucceeded,
	"FAILED":    farm.OutcomeFailedBuild,
	"CANCELLED": farm.OutcomeCancelled,
}

// CIRun returns the behavior for composite CI pipeline runs. A run is
// made of named sub-units, each delivering its own log, optional
// properties file, and artifact tree. Structural validation here only
// requires the bundle directory to exist; per-sub-unit checks happen
// during intake so one broken sub-unit cannot sink the others.
func CIRun(ref *ReferenceData) Behavior {
	return Behavior{
		BuildStartCommand: func(job farm.Job) (farm.StartCommand, error) {
			if job.Source == "" {
				return farm.StartCommand{}, fmt.Errorf("ci run %s has no commit reference", job.ID)
			}
			return farm.StartCommand{
				Kind:   farm.KindCIRun,
				Cookie: job.Cookie,
				Args: map[string]string{
					"commit":   job.Source,
					"series":   job.Target.Series,
					"arch_tag": job.Target.Arch,
				},
				Env: ref.Env(),
			}, nil
		},
		InterpretCompletion: func(job farm.Job, report farm.Report) (farm.Outcome, error) {
			return interpret(ciVocab, job, report)
		},
		VerifyArtifacts: func(job farm.Job, bundleDir string) error {
			info, err := os.Stat(bundleDir)
			if err != nil {
				return fmt.Errorf("bundle directory missing: %w", err)
			}
			if !info.IsDir() {
				return fmt.Errorf("bundle path %s is not a directory", bundleDir)
			}
			return nil
		},
	}
}
