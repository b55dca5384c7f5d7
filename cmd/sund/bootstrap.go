package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/sun"
	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// seedMemberships grants the memberships listed in bootstrap.memberships.
// Membership writes have no public endpoint, so a fresh deployment relies
// on this to admit its first humans.
func seedMemberships(ctx context.Context, svc *sun.Service, entries string, log *logger.Logger) error {
	if strings.TrimSpace(entries) == "" {
		return nil
	}
	seeded := 0
	for _, entry := range strings.Split(entries, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		m, err := parseMembership(entry)
		if err != nil {
			return err
		}
		if err := svc.AddMembership(ctx, m); err != nil {
			return fmt.Errorf("seeding membership %q: %w", entry, err)
		}
		seeded++
	}
	if seeded > 0 {
		log.Info("Bootstrap memberships seeded", zap.Int("count", seeded))
	}
	return nil
}

// parseMembership parses a single humanID:projectID[:role] entry. Role
// defaults to member when omitted; AddMembership validates the value.
func parseMembership(entry string) (*v1.Membership, error) {
	parts := strings.Split(entry, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("bootstrap membership %q: want humanID:projectID[:role]", entry)
	}
	m := &v1.Membership{
		HumanID:   strings.TrimSpace(parts[0]),
		ProjectID: strings.TrimSpace(parts[1]),
	}
	if m.HumanID == "" || m.ProjectID == "" {
		return nil, fmt.Errorf("bootstrap membership %q: human and project must not be empty", entry)
	}
	if len(parts) == 3 {
		m.Role = v1.Role(strings.TrimSpace(parts[2]))
	}
	return m, nil
}
