package main

import (
	"fmt"
	"log/slog"

	"tractmcmc/internal/models"
	"tractmcmc/pkg/coffin"
	"tractmcmc/pkg/config"
	"tractmcmc/pkg/diffusion"
	"tractmcmc/pkg/priors"
	"tractmcmc/pkg/registration"
	"tractmcmc/pkg/spline"
	"tractmcmc/pkg/volumeio"
)

// loadSessions reads the diffusion samples, mask and registration of every
// session in the configuration.
func loadSessions(cfg *config.Config, logger *slog.Logger) ([]coffin.Session, error) {
	if cfg.MCMC.PriorOnly {
		return nil, nil
	}

	sessions := make([]coffin.Session, len(cfg.Sessions))
	for k, sc := range cfg.Sessions {
		mask, err := volumeio.Read(sc.Mask)
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", k, err)
		}

		sticks := make([]diffusion.Stick, len(sc.Sticks))
		for j, st := range sc.Sticks {
			vols, err := readVolumes(st.Fraction, st.Phi, st.Theta)
			if err != nil {
				return nil, fmt.Errorf("session %d stick %d: %w", k, j, err)
			}
			sticks[j] = diffusion.Stick{Fraction: vols[0], Phi: vols[1], Theta: vols[2]}
		}
		model, err := diffusion.NewStickSamples(sticks)
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", k, err)
		}

		reg, err := loadRegistration(sc)
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", k, err)
		}

		logger.Debug("loaded session",
			slog.Int("session", k),
			slog.Int("sticks", len(sticks)),
			slog.Int("mask_voxels", mask.Count()))
		sessions[k] = coffin.Session{Model: model, Mask: mask, Registration: reg}
	}
	return sessions, nil
}

func loadRegistration(sc config.SessionConfig) (registration.Registration, error) {
	switch {
	case sc.Affine != "":
		return registration.ReadAffine(sc.Affine)
	case len(sc.Displacement) == 3:
		vols, err := readVolumes(sc.Displacement...)
		if err != nil {
			return nil, err
		}
		return registration.NewDisplacementField(vols[0], vols[1], vols[2])
	default:
		return registration.Identity{}, nil
	}
}

// buildJobs turns every configured pathway into a chain job.
func buildJobs(cfg *config.Config, logger *slog.Logger) ([]coffin.Job, error) {
	jobs := make([]coffin.Job, len(cfg.Pathways))
	for k, pc := range cfg.Pathways {
		pw, err := loadPathway(pc)
		if err != nil {
			return nil, fmt.Errorf("pathway %s: %w", pc.Name, err)
		}
		params, err := cfg.ToParams(k, len(pw.ControlPoints))
		if err != nil {
			return nil, fmt.Errorf("pathway %s: %w", pc.Name, err)
		}
		prs, err := loadPriors(pc.Priors)
		if err != nil {
			return nil, fmt.Errorf("pathway %s: %w", pc.Name, err)
		}

		logger.Debug("loaded pathway",
			slog.String("pathway", pc.Name),
			slog.Int("control_points", len(pw.ControlPoints)),
			slog.Int("priors", len(prs)))
		jobs[k] = coffin.Job{Params: params, Pathway: pw, Priors: prs}
	}
	return jobs, nil
}

func loadPathway(pc config.PathwayConfig) (coffin.Pathway, error) {
	pw := coffin.Pathway{Name: pc.Name}

	mask, err := volumeio.Read(pc.Mask)
	if err != nil {
		return pw, err
	}
	pw.Mask = mask

	for i, path := range []string{pc.StartROI, pc.EndROI} {
		if path == "" {
			continue
		}
		if pw.EndROIs[i], err = volumeio.Read(path); err != nil {
			return pw, err
		}
	}

	if pc.ControlPoints != "" {
		pw.ControlPoints, err = spline.ReadControlPoints(pc.ControlPoints)
		return pw, err
	}
	pw.ControlPoints, err = fitSeedCurve(pc.SeedCurve, pc.NumControlPoints, mask)
	return pw, err
}

// fitSeedCurve fits n control points to a seed streamline.
func fitSeedCurve(path string, n int, mask *models.Volume) ([]models.Point3, error) {
	curve, err := spline.ReadCurve(path)
	if err != nil {
		return nil, err
	}
	s, err := spline.New(n, mask)
	if err != nil {
		return nil, err
	}
	if !s.Fit(curve) {
		return nil, fmt.Errorf("%w: cannot fit %d control points to %s", coffin.ErrConfiguration, n, path)
	}
	return s.ControlPoints(), nil
}

func loadPriors(pc config.PriorsConfig) (priors.Set, error) {
	var prs priors.Set
	if pc.SpatialOn != "" {
		p, err := priors.LoadSpatialPrior(pc.SpatialOn, pc.SpatialOff)
		if err != nil {
			return nil, err
		}
		prs = append(prs, p)
	}
	if pc.Labels != "" {
		p, err := priors.LoadLabelPrior(pc.Labels, pc.LabelTable)
		if err != nil {
			return nil, err
		}
		prs = append(prs, p)
	}
	if pc.Shape != "" {
		p, err := priors.LoadShapePrior(pc.Shape)
		if err != nil {
			return nil, err
		}
		prs = append(prs, p)
	}
	return prs, nil
}

func readVolumes(paths ...string) ([]*models.Volume, error) {
	vols := make([]*models.Volume, len(paths))
	for i, p := range paths {
		v, err := volumeio.Read(p)
		if err != nil {
			return nil, err
		}
		vols[i] = v
	}
	return vols, nil
}
