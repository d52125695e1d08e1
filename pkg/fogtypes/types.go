package fogtypes

import (
	"time"
)

// NodeType classifies a node in the orchestrated topology.
type NodeType string

const (
	// ServerType is a physical or bare-metal host
	ServerType NodeType = "SERVER"
	// VMType is a virtual machine
	VMType NodeType = "VM"
	// IoTObjectType is a constrained IoT device
	IoTObjectType NodeType = "IOT_OBJECT"
	// GatewayType is an edge gateway
	GatewayType NodeType = "GATEWAY"
	// SwitchType is an L2 switch joined for topology purposes
	SwitchType NodeType = "SWITCH"
	// RouterType is an L3 router
	RouterType NodeType = "ROUTER"
)

// NodeSpecs is a snapshot of a node's compute resources at a given time.
// Memory values are in MiB, disk values in GiB.
type NodeSpecs struct {
	CPUCount    float64   `json:"cpu_count"`
	CPUFree     float64   `json:"cpu_free"`
	MemoryTotal float64   `json:"memory_total"`
	MemoryFree  float64   `json:"memory_free"`
	DiskTotal   float64   `json:"disk_total"`
	DiskFree    float64   `json:"disk_free"`
	Timestamp   time.Time `json:"timestamp"`
}

// InterfaceSpecs is a snapshot of a network interface's state at a given
// time. Bandwidth values are in Mbit/s.
type InterfaceSpecs struct {
	Capacity      float64   `json:"capacity"`
	BandwidthUp   float64   `json:"bandwidth_up"`
	BandwidthDown float64   `json:"bandwidth_down"`
	TxPackets     uint64    `json:"tx_packets"`
	RxPackets     uint64    `json:"rx_packets"`
	Timestamp     time.Time `json:"timestamp"`
}

// Interface is a network interface (port) of a node.
type Interface struct {
	Name  string         `json:"name"`
	Num   int            `json:"num"`
	MAC   string         `json:"mac"`
	IPv4  string         `json:"ipv4"`
	Specs InterfaceSpecs `json:"specs"`
}

// SetSpecs replaces the interface specs and stamps them.
func (i *Interface) SetSpecs(s InterfaceSpecs) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	i.Specs = s
}

// Node is a network node participating in the orchestrated topology.
// The ID is the MAC address of the main interface unless overridden
// (switch mode uses the bridge DPID).
type Node struct {
	ID            string                `json:"id"`
	State         bool                  `json:"state"`
	Type          NodeType              `json:"type"`
	Label         string                `json:"label"`
	MainInterface string                `json:"main_interface"`
	Threshold     float64               `json:"threshold"`
	Interfaces    map[string]*Interface `json:"interfaces"`
	Specs         NodeSpecs             `json:"specs"`
}

// NewNode creates a node with an empty interface set.
func NewNode(id string, typ NodeType, label string) *Node {
	return &Node{
		ID:         id,
		State:      true,
		Type:       typ,
		Label:      label,
		Interfaces: make(map[string]*Interface),
	}
}

// SetTotals sets the constant part of the node specs.
func (n *Node) SetTotals(cpu, memory, disk float64) {
	n.Specs.CPUCount = cpu
	n.Specs.MemoryTotal = memory
	n.Specs.DiskTotal = disk
	n.Specs.Timestamp = time.Now()
}

// SetFree sets the volatile part of the node specs and stamps them.
func (n *Node) SetFree(cpu, memory, disk float64) {
	n.Specs.CPUFree = cpu
	n.Specs.MemoryFree = memory
	n.Specs.DiskFree = disk
	n.Specs.Timestamp = time.Now()
}
