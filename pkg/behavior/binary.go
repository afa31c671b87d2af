package behavior

import (
	"errors"
	"fmt"
	"strings"

	"github.com/veldt/buildfarm/pkg/farm"
)

// binaryVocab is the status vocabulary of binary package build workers.
var binaryVocab = map[string]farm.Outcome{
	"OK":          farm.OutcomeSucceeded,
	"PACKAGEFAIL": farm.OutcomeFailedBuild,
	"DEPFAIL":     farm.OutcomeFailedDependency,
	"CHROOTFAIL":  farm.OutcomeFailedChroot,
	"UPLOADFAIL":  farm.OutcomeFailedUpload,
	"ABORTED":     farm.OutcomeCancelled,
	"SUPERSEDED":  farm.OutcomeSuperseded,
}

// BinaryBuild returns the behavior for binary package builds. The
// start command tells the worker which chroot to unpack, which source
// to build, and which extra archives may satisfy build-dependencies.
func BinaryBuild(ref *ReferenceData) Behavior {
	return Behavior{
		BuildStartCommand: func(job farm.Job) (farm.StartCommand, error) {
			if job.Source == "" {
				return farm.StartCommand{}, fmt.Errorf("binary build %s has no source", job.ID)
			}
			suite := job.Target.Series
			if job.Target.Pocket != "" {
				suite += "-" + job.Target.Pocket
			}
			return farm.StartCommand{
				Kind:   farm.KindBinaryBuild,
				Cookie: job.Cookie,
				Files: map[string]string{
					"chroot": ref.ChrootURL(job.Target.Series, job.Target.Arch),
				},
				Args: map[string]string{
					"source":   job.Source,
					"suite":    suite,
					"arch_tag": job.Target.Arch,
					"archives": strings.Join(ref.Dependencies(job.OwnerClass), "\n"),
				},
				Env: ref.Env(),
			}, nil
		},
		InterpretCompletion: func(job farm.Job, report farm.Report) (farm.Outcome, error) {
			return interpret(binaryVocab, job, report)
		},
		VerifyArtifacts: func(job farm.Job, bundleDir string) error {
			files, err := bundleFiles(bundleDir)
			if err != nil {
				return err
			}
			if !anyWithExt(files, ".deb") && !anyWithExt(files, ".udeb") {
				return errors.New("Build did not produce any packages")
			}
			if !anyWithExt(files, ".changes") {
				return errors.New("Build did not produce a changes manifest")
			}
			return nil
		},
	}
}
