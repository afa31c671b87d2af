package behavior

import (
	"errors"

	"github.com/veldt/buildfarm/pkg/farm"
)

var imageVocab = map[string]farm.Outcome{
	"OK":         farm.OutcomeSucceeded,
	"BUILDFAIL":  farm.OutcomeFailedBuild,
	"CHROOTFAIL": farm.OutcomeFailedChroot,
	"UPLOADFAIL": farm.OutcomeFailedUpload,
	"ABORTED":    farm.OutcomeCancelled,
}

// ImageBuild returns the behavior for container/image recipe builds.
func ImageBuild(ref *ReferenceData) Behavior {
	return Behavior{
		BuildStartCommand: func(job farm.Job) (farm.StartCommand, error) {
			return farm.StartCommand{
				Kind:   farm.KindImageBuild,
				Cookie: job.Cookie,
				Files: map[string]string{
					"chroot": ref.ChrootURL(job.Target.Series, job.Target.Arch),
				},
				Args: map[string]string{
					"image_spec": job.Source,
					"series":     job.Target.Series,
					"arch_tag":   job.Target.Arch,
					"pocket":     job.Target.Pocket,
				},
				Env: ref.Env(),
			}, nil
		},
		InterpretCompletion: func(job farm.Job, report farm.Report) (farm.Outcome, error) {
			return interpret(imageVocab, job, report)
		},
		VerifyArtifacts: func(job farm.Job, bundleDir string) error {
			files, err := bundleFiles(bundleDir)
			if err != nil {
				return err
			}
			if !anyWithExt(files, ".img") {
				return errors.New("Build did not produce any images")
			}
			return nil
		},
	}
}
