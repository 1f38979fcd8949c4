package shardmanager

import (
	"sort"

	"emperror.dev/errors"
	"github.com/botlabs-gg/shardgate/gateway"
)

type Status struct {
	Total        int            `json:"total"`
	Ready        bool           `json:"ready"`
	ShuttingDown bool           `json:"shutting_down"`
	Shards       []*ShardStatus `json:"shards"`
}

type ShardStatus struct {
	ShardID    int    `json:"shard_id"`
	InstanceID string `json:"instance_id"`
	Started    bool   `json:"started"`
	Down       bool   `json:"down"`

	// Replacement is the instance id of an in-flight replacement
	Replacement string `json:"replacement,omitempty"`

	Stats gateway.Stats `json:"stats"`
}

// GetFullStatus retrieves the full status at this instant
func (m *Manager) GetFullStatus() *Status {
	m.mu.Lock()
	status := &Status{
		Total:        m.total,
		ShuttingDown: m.closing,
	}

	type snapshot struct {
		inst *instance
		st   *ShardStatus
	}
	snapshots := make([]snapshot, 0, len(m.shards))
	for id, inst := range m.shards {
		st := &ShardStatus{
			ShardID:    id,
			InstanceID: inst.id.String(),
			Started:    inst.started,
			Down:       inst.down,
		}
		if next := m.replacing[id]; next != nil {
			st.Replacement = next.id.String()
		}
		snapshots = append(snapshots, snapshot{inst: inst, st: st})
	}
	m.mu.Unlock()

	for _, s := range snapshots {
		s.st.Stats = s.inst.shard.Stats()
		status.Shards = append(status.Shards, s.st)
	}

	sort.Slice(status.Shards, func(i, j int) bool {
		return status.Shards[i].ShardID < status.Shards[j].ShardID
	})

	status.Ready = m.ready.AllReady()
	return status
}

// ShardStatus returns the status of a single shard
func (m *Manager) ShardStatus(shardID int) (*ShardStatus, error) {
	for _, st := range m.GetFullStatus().Shards {
		if st.ShardID == shardID {
			return st, nil
		}
	}

	return nil, errors.WithStack(ErrUnknownShard)
}

// ShardIDs returns the ids of the shards run by this manager
func (m *Manager) ShardIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]int(nil), m.ids...)
}

// IsShardReady returns true if the shard reached connected at least once
func (m *Manager) IsShardReady(shardID int) bool {
	return m.ready.IsShardReady(shardID)
}
