package behavior

import (
	"errors"
	"fmt"

	"github.com/veldt/buildfarm/pkg/farm"
)

var recipeVocab = map[string]farm.Outcome{
	"OK":         farm.OutcomeSucceeded,
	"BUILDFAIL":  farm.OutcomeFailedBuild,
	"DEPFAIL":    farm.OutcomeFailedDependency,
	"CHROOTFAIL": farm.OutcomeFailedChroot,
	"UPLOADFAIL": farm.OutcomeFailedUpload,
	"ABORTED":    farm.OutcomeCancelled,
}

// RecipeBuild returns the behavior for source recipe builds: the worker
// assembles a source package from a recipe text instead of compiling.
func RecipeBuild(ref *ReferenceData) Behavior {
	return Behavior{
		BuildStartCommand: func(job farm.Job) (farm.StartCommand, error) {
			if job.Source == "" {
				return farm.StartCommand{}, fmt.Errorf("recipe build %s has no recipe text", job.ID)
			}
			return farm.StartCommand{
				Kind:   farm.KindRecipeBuild,
				Cookie: job.Cookie,
				Files: map[string]string{
					"chroot": ref.ChrootURL(job.Target.Series, job.Target.Arch),
				},
				Args: map[string]string{
					"recipe_text": job.Source,
					"series":      job.Target.Series,
					"arch_tag":    job.Target.Arch,
				},
				Env: ref.Env(),
			}, nil
		},
		InterpretCompletion: func(job farm.Job, report farm.Report) (farm.Outcome, error) {
			return interpret(recipeVocab, job, report)
		},
		VerifyArtifacts: func(job farm.Job, bundleDir string) error {
			files, err := bundleFiles(bundleDir)
			if err != nil {
				return err
			}
			if !anyWithExt(files, ".dsc") {
				return errors.New("Build did not produce a source package")
			}
			return nil
		},
	}
}
