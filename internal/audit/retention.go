package audit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const (
	// DefaultAnonymizeAfter is how long full client IPs are kept.
	DefaultAnonymizeAfter = 90 * 24 * time.Hour
	// DefaultRetention is how long audit entries are kept at all.
	DefaultRetention = 365 * 24 * time.Hour
)

// AnonymizeIP truncates an address so it no longer identifies a single device.
// IPv4 keeps the first three octets; IPv6 keeps the first 48 bits.
// Returns an empty string when ipStr is not an IP address.
func AnonymizeIP(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return net.IPv4(v4[0], v4[1], v4[2], 0).String()
	}
	return ip.Mask(net.CIDRMask(48, 128)).String()
}

// RetentionPolicy controls how long audit data is kept.
type RetentionPolicy struct {
	AnonymizeAfter time.Duration
	DeleteAfter    time.Duration
}

// DefaultRetentionPolicy returns the default retention windows.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		AnonymizeAfter: DefaultAnonymizeAfter,
		DeleteAfter:    DefaultRetention,
	}
}

// ApplyRetention anonymizes and deletes entries according to policy, as of now.
func ApplyRetention(ctx context.Context, repo Repository, policy RetentionPolicy, now time.Time) error {
	anonymized, err := repo.AnonymizeBefore(ctx, now.Add(-policy.AnonymizeAfter))
	if err != nil {
		return fmt.Errorf("failed to anonymize audit logs: %w", err)
	}
	deleted, err := repo.DeleteBefore(ctx, now.Add(-policy.DeleteAfter))
	if err != nil {
		return fmt.Errorf("failed to delete audit logs: %w", err)
	}

	if anonymized > 0 || deleted > 0 {
		slog.InfoContext(ctx, "applied audit retention",
			"anonymized", anonymized,
			"deleted", deleted,
		)
	}
	return nil
}
