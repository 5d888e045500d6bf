package transfers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/brojonat/tokenflow/service/ledger"
)

// Memory is an in-memory Source keyed by partition name. It backs tests
// and the CLI fixture mode.
type Memory struct {
	mu         sync.RWMutex
	partitions map[string][]ledger.TransferRecord
	failWith   error
}

// NewMemory returns an empty Memory source.
func NewMemory() *Memory {
	return &Memory{partitions: make(map[string][]ledger.TransferRecord)}
}

// Add appends records to partition.
func (m *Memory) Add(partition string, records ...ledger.TransferRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		r.From = strings.ToLower(r.From)
		r.To = strings.ToLower(r.To)
		m.partitions[partition] = append(m.partitions[partition], r)
	}
}

// SetError makes every subsequent call fail with err. Pass nil to clear.
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Fixture is the on-disk layout read by LoadFixture.
type Fixture struct {
	Partitions map[string][]ledger.TransferRecord `json:"partitions"`
}

// LoadFixture reads a JSON fixture into a new Memory source.
func LoadFixture(r io.Reader) (*Memory, error) {
	var f Fixture
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode fixture: %w", err)
	}
	m := NewMemory()
	for name, records := range f.Partitions {
		m.Add(name, records...)
	}
	return m, nil
}

func (m *Memory) SelectPartition(ctx context.Context, protocol string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return "", m.failWith
	}

	names := make([]string, 0, len(m.partitions))
	for name := range m.partitions {
		names = append(names, name)
	}
	sort.Strings(names)

	protocol = strings.ToLower(protocol)
	for _, name := range names {
		if SideCollections[name] {
			continue
		}
		for _, r := range m.partitions[name] {
			if r.From == protocol {
				return name, nil
			}
		}
	}
	return "", ErrNoPartition
}

func (m *Memory) Outgoing(ctx context.Context, partition, address string, window TimeRange) ([]ledger.TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	address = strings.ToLower(address)
	var out []ledger.TransferRecord
	for _, r := range m.partitions[partition] {
		if r.From == address && window.Contains(r.Timestamp) {
			out = append(out, r)
		}
	}
	SortRecords(out)
	return out, nil
}

func (m *Memory) Senders(ctx context.Context, partition, to string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	to = strings.ToLower(to)
	seen := make(map[string]bool)
	var out []string
	for _, r := range m.partitions[partition] {
		if r.To == to && !seen[r.From] {
			seen[r.From] = true
			out = append(out, r.From)
		}
	}
	sort.Strings(out)
	return out, nil
}

// SortRecords orders records by timestamp, then transaction hash.
func SortRecords(records []ledger.TransferRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.TxHash < b.TxHash
	})
}

func (m *Memory) ListPartitions(ctx context.Context) ([]PartitionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PartitionStats, 0, len(m.partitions))
	for name, records := range m.partitions {
		p := PartitionStats{Name: name, Records: int64(len(records))}
		for _, r := range records {
			if p.First.IsZero() || r.Timestamp.Before(p.First) {
				p.First = r.Timestamp
			}
			if r.Timestamp.After(p.Last) {
				p.Last = r.Timestamp
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
