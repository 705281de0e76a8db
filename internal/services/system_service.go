package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/lumenshop/api/internal/repositories"
)

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
}

type systemService struct {
	healthRepo repositories.HealthRepository
	clock      func() time.Time
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the system utility service providing health reports.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &systemService{
		healthRepo: deps.HealthRepository,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	if report.CheckedAt.IsZero() {
		report.CheckedAt = s.clock()
	}
	if report.Components == nil {
		report.Components = map[string]string{}
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = deriveHealthStatus(report.Components)
	}
	return report, nil
}

func deriveHealthStatus(components map[string]string) string {
	status := "ok"
	for _, component := range components {
		switch component {
		case "ok", "":
			continue
		case "error":
			return "error"
		default:
			status = "degraded"
		}
	}
	return status
}
