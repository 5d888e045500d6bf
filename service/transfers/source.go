// Package transfers defines the transfer store contract consumed by the
// analysis core, plus wrappers shared by every backend.
package transfers

import (
	"context"
	"errors"
	"time"

	"github.com/brojonat/tokenflow/service/ledger"
)

// ErrNoPartition means no partition holds transfers sent by the protocol.
var ErrNoPartition = errors.New("no transfer partition for protocol")

// SideCollections are partitions that hold auxiliary data rather than a
// protocol's transfers and are never selected.
var SideCollections = map[string]bool{
	"disperse":      true,
	"creators":      true,
	"campaign_data": true,
}

// TimeRange bounds a query. A zero Start or End leaves that side open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t is inside the range, bounds inclusive.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Source reads transfer records sharded by protocol. Addresses are passed
// and returned in lowercase. Records are ordered by timestamp then hash.
type Source interface {
	// SelectPartition returns the partition holding transfers sent by
	// protocol, or ErrNoPartition.
	SelectPartition(ctx context.Context, protocol string) (string, error)

	// Outgoing returns transfers sent by address within window.
	Outgoing(ctx context.Context, partition, address string, window TimeRange) ([]ledger.TransferRecord, error)

	// Senders returns the distinct senders of transfers to address.
	Senders(ctx context.Context, partition, to string) ([]string, error)
}

// PartitionStats summarizes one partition for operators.
type PartitionStats struct {
	Name    string    `json:"name"`
	Records int64     `json:"records"`
	First   time.Time `json:"first,omitempty"`
	Last    time.Time `json:"last,omitempty"`
}

// Lister is implemented by sources that can enumerate their partitions.
type Lister interface {
	ListPartitions(ctx context.Context) ([]PartitionStats, error)
}
