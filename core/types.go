package core

import "time"

// NodeStatus tracks the liveness of a peer as observed by gossip.
type NodeStatus string

const (
	NodeStatusActive  NodeStatus = "active"
	NodeStatusSuspect NodeStatus = "suspect"
	NodeStatusRemoved NodeStatus = "removed"
)

// NodeCapacity declares the resources an agent contributes to the swarm.
type NodeCapacity struct {
	MemoryBytes int64 `json:"memoryBytes"`
	CRDTSlots   int   `json:"crdtSlots"`
}

// AgentNode identifies a member of the memory topology.
type AgentNode struct {
	AgentID  string       `json:"agentId"`
	Address  string       `json:"address"`
	Capacity NodeCapacity `json:"capacity"`
	JoinedAt time.Time    `json:"joinedAt"`
}

// TopologyType selects the shape of the swarm.
type TopologyType string

const (
	TopologyMesh         TopologyType = "mesh"
	TopologyHierarchical TopologyType = "hierarchical"
)

// ConsistencyLevel selects the bound a read operation observes.
type ConsistencyLevel string

const (
	ConsistencyEventual         ConsistencyLevel = "eventual"
	ConsistencyBoundedStaleness ConsistencyLevel = "bounded_staleness"
)

// PartitionStrategy selects how keys map onto shards.
type PartitionStrategy string

const (
	PartitionConsistentHash PartitionStrategy = "consistent_hash"
	PartitionHybrid         PartitionStrategy = "hybrid"
)
