package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/procmon/internal/storage"
)

// parseMeta converts the meta hash to an empty State
func parseMeta(data map[string]string) (*storage.State, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	version, err := strconv.Atoi(data["version"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse version: %w", err)
	}

	state := storage.NewState(data["day"])
	state.Version = version

	if raw := data["updated_at"]; raw != "" {
		updatedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse updated_at: %w", err)
		}
		state.UpdatedAt = updatedAt
	}

	return state, nil
}

// parseUsageHash converts a scope → seconds hash to usage records
func parseUsageHash(data map[string]string, day string) (map[string]*storage.UsageRecord, error) {
	records := make(map[string]*storage.UsageRecord, len(data))
	for scope, raw := range data {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse seconds for %s: %w", scope, err)
		}
		records[scope] = &storage.UsageRecord{Seconds: seconds, Day: day}
	}
	return records, nil
}

// parseWarningHash converts a scope → "600,300" hash to fired sets
func parseWarningHash(data map[string]string) (map[string][]int64, error) {
	fired := make(map[string][]int64, len(data))
	for scope, raw := range data {
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ",")
		values := make([]int64, 0, len(parts))
		for _, p := range parts {
			v, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse threshold for %s: %w", scope, err)
			}
			values = append(values, v)
		}
		fired[scope] = values
	}
	return fired, nil
}
