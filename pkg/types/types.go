// Package types defines the domain types shared across the batching and
// streaming runtime and the ICMP probing example built on top of it.
//
// # Design Principles
//
// 1. Simplicity: types represent the domain model directly, no ORM abstractions
// 2. Serialization: exchange types are JSON-serializable, wire types (sent to a
// worker subprocess) are gob-serializable
// 3. Immutability: prefer value types; mutations create new instances
package types

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Target represents an IP address to probe. It is the Item that flows
// through the batching dispatcher: one Target per submit_one call, or a
// slice of Targets for a bulk submission.
type Target struct {
	ID   string            `json:"id"`
	IP   string            `json:"ip"`
	Tier string            `json:"tier"`
	Tags map[string]string `json:"tags,omitempty"`
}

// Validate checks that the target has required fields and valid values.
func (t *Target) Validate() error {
	if t.IP == "" {
		return fmt.Errorf("target IP is required")
	}
	if ip := net.ParseIP(t.IP); ip == nil {
		return fmt.Errorf("invalid IP address: %s", t.IP)
	}
	if t.Tier == "" {
		return fmt.Errorf("target tier is required")
	}
	return nil
}

// Tier defines the probing policy for a class of targets: how often to
// probe, how long to wait, and how many retries to allow.
type Tier struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`

	ProbeInterval time.Duration `json:"probe_interval"`
	ProbeTimeout  time.Duration `json:"probe_timeout"`
	ProbeRetries  int           `json:"probe_retries"`

	// ProbeType selects which dispatcher (and worker subprocess flavor)
	// this tier's targets are submitted to, e.g. "icmp_ping" or "mtr".
	ProbeType string `json:"probe_type"`

	// BulkSweep submits the tier's entire target list as one SubmitBulk
	// call per tick instead of one SubmitOne call per target.
	BulkSweep bool `json:"bulk_sweep,omitempty"`
}

// Validate checks that the tier configuration is valid.
func (t *Tier) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tier name is required")
	}
	if t.ProbeInterval <= 0 {
		return fmt.Errorf("probe_interval must be positive")
	}
	if t.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive")
	}
	return nil
}

// ProbeResult is the outcome of a single probe execution, i.e. a single
// Item's result out of the batching dispatcher.
type ProbeResult struct {
	TargetID string `json:"target_id"`

	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// ProbeType names which payload shape Payload holds (e.g. "icmp_ping").
	ProbeType string          `json:"probe_type"`
	Payload   json.RawMessage `json:"payload"`
}

// ResultBatch is a collection of results shipped to storage together.
type ResultBatch struct {
	BatchID   string        `json:"batch_id"`
	Results   []ProbeResult `json:"results"`
	CreatedAt time.Time     `json:"created_at"`
}

// ICMPPingPayload contains ICMP ping-specific results.
type ICMPPingPayload struct {
	Reachable    bool    `json:"reachable"`
	LatencyMs    float64 `json:"latency_ms"`
	MinMs        float64 `json:"min_ms"`
	MaxMs        float64 `json:"max_ms"`
	AvgMs        float64 `json:"avg_ms"`
	StdDevMs     float64 `json:"stddev_ms"`
	PacketLoss   float64 `json:"packet_loss_pct"`
	PacketsSent  int     `json:"packets_sent"`
	PacketsRecvd int     `json:"packets_recvd"`
}

// MTRPayload contains MTR trace results.
type MTRPayload struct {
	DestinationReached bool     `json:"destination_reached"`
	TotalHops          int      `json:"total_hops"`
	Hops               []MTRHop `json:"hops"`
}

// MTRHop represents a single hop in an MTR trace.
type MTRHop struct {
	Hop       int     `json:"hop"`
	IP        string  `json:"ip,omitempty"`
	Hostname  string  `json:"hostname,omitempty"`
	ASN       int     `json:"asn,omitempty"`
	ASName    string  `json:"as_name,omitempty"`
	LossPct   float64 `json:"loss_pct"`
	SentCount int     `json:"sent"`
	AvgMs     float64 `json:"avg_ms"`
	BestMs    float64 `json:"best_ms"`
	WorstMs   float64 `json:"worst_ms"`
	StdDevMs  float64 `json:"stddev_ms"`
}
