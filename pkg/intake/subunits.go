package intake

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/veldt/buildfarm/pkg/farm"
	"github.com/veldt/buildfarm/pkg/librarian"
)

// A ci-run bundle holds one entry per sub-unit: a required <id>.log, an
// optional <id>.properties (key=value lines), and an optional artifact
// tree under <id>/. Sub-units pass or fail independently: a unit with
// no log is dropped with a warning, the rest of the bundle still
// commits. Only a bundle with zero committable sub-units rejects the
// job. Infrastructure faults are different: they abort the whole
// commit so the caller can roll back and retry.
func (p *Pipeline) commitSubUnits(ctx context.Context, job farm.Job, bundleDir string, session *librarian.Session) ([]farm.Artifact, error) {
	units, err := subUnitIDs(bundleDir)
	if err != nil {
		return nil, fmt.Errorf("enumerate sub-units: %w", err)
	}
	if len(units) == 0 {
		return nil, &rejection{outcome: farm.OutcomeFailedUpload, reason: "No test results produced"}
	}

	var (
		attached  []farm.Artifact
		committed int
	)
	for _, unit := range units {
		logName := unit + ".log"
		if _, err := os.Stat(filepath.Join(bundleDir, logName)); err != nil {
			p.logger.Info("sub-unit has no log, skipping", "job", job.ID, "subUnit", unit)
			p.jobs.AppendLog(job.ID, fmt.Sprintf("sub-unit %s produced no log, results discarded", unit))
			continue
		}

		names := []string{logName}
		propsName := unit + ".properties"
		if _, err := os.Stat(filepath.Join(bundleDir, propsName)); err == nil {
			names = append(names, propsName)
		}
		tree, err := subUnitFiles(bundleDir, unit)
		if err != nil {
			return nil, fmt.Errorf("list sub-unit %s: %w", unit, err)
		}
		names = append(names, tree...)

		for _, name := range names {
			artifact, err := p.attachFile(ctx, job, unit, bundleDir, name, session)
			if err != nil {
				return nil, err
			}
			attached = append(attached, artifact)
		}

		if summary := unitSummary(filepath.Join(bundleDir, propsName)); summary != "" {
			p.jobs.AppendLog(job.ID, fmt.Sprintf("sub-unit %s: %s", unit, summary))
		}
		committed++
	}

	if committed == 0 {
		return nil, &rejection{outcome: farm.OutcomeFailedUpload, reason: "No test results produced"}
	}
	return attached, nil
}

// subUnitIDs derives the sub-unit set from the bundle layout. Both a
// bare <id>.log and an <id>/ directory announce a unit.
func subUnitIDs(bundleDir string) ([]string, error) {
	entries, err := os.ReadDir(bundleDir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			seen[e.Name()] = true
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".log") {
			seen[strings.TrimSuffix(name, ".log")] = true
		}
	}
	units := make([]string, 0, len(seen))
	for unit := range seen {
		units = append(units, unit)
	}
	sort.Strings(units)
	return units, nil
}

// subUnitFiles lists the artifact tree below a unit's directory as
// bundle-relative slash paths. A missing directory is fine.
func subUnitFiles(bundleDir, unit string) ([]string, error) {
	unitDir := filepath.Join(bundleDir, unit)
	if _, err := os.Stat(unitDir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	files, err := listFiles(unitDir)
	if err != nil {
		return nil, err
	}
	for i, f := range files {
		files[i] = unit + "/" + f
	}
	return files, nil
}

// unitSummary pulls a one-line result out of a properties file, if one
// exists and carries a status or result key.
func unitSummary(propsPath string) string {
	f, err := os.Open(propsPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(strings.ToLower(key)) {
		case "status", "result":
			return strings.TrimSpace(value)
		}
	}
	return ""
}
