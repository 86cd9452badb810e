package ipc

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment variables passed from a supervisor to a unit.
const (
	EnvShards     = "KEPHASGATE_SHARDS"
	EnvShardCount = "KEPHASGATE_SHARD_COUNT"
	EnvIPCFormat  = "KEPHASGATE_IPC_FORMAT"
	EnvUnitID     = "KEPHASGATE_UNIT_ID"
)

// UnitEnv is what a unit learns from its supervisor at startup.
type UnitEnv struct {
	ShardIDs    []int
	TotalShards int
	Format      Format
	UnitID      string
}

// Environ renders e as KEY=value pairs for exec.Cmd.Env.
func (e UnitEnv) Environ() []string {
	ids := make([]string, len(e.ShardIDs))
	for i, id := range e.ShardIDs {
		ids[i] = strconv.Itoa(id)
	}
	format := e.Format
	if format == "" {
		format = FormatJSON
	}
	return []string{
		EnvShards + "=" + strings.Join(ids, ","),
		EnvShardCount + "=" + strconv.Itoa(e.TotalShards),
		EnvIPCFormat + "=" + string(format),
		EnvUnitID + "=" + e.UnitID,
	}
}

// ParseEnv reads a UnitEnv through lookup, typically os.LookupEnv.
func ParseEnv(lookup func(string) (string, bool)) (UnitEnv, error) {
	var env UnitEnv

	raw, ok := lookup(EnvShards)
	if !ok || strings.TrimSpace(raw) == "" {
		return env, fmt.Errorf("%s is not set", EnvShards)
	}
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return env, fmt.Errorf("parsing %s: %w", EnvShards, err)
		}
		env.ShardIDs = append(env.ShardIDs, id)
	}

	raw, ok = lookup(EnvShardCount)
	if !ok {
		return env, fmt.Errorf("%s is not set", EnvShardCount)
	}
	total, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return env, fmt.Errorf("parsing %s: %w", EnvShardCount, err)
	}
	env.TotalShards = total

	raw, _ = lookup(EnvIPCFormat)
	if env.Format, err = ParseFormat(raw); err != nil {
		return env, err
	}

	env.UnitID, _ = lookup(EnvUnitID)
	return env, nil
}
