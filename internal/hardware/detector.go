// Package hardware discovers RDMA devices and their ports through sysfs.
package hardware

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultRoot is where the kernel publishes RDMA devices.
const DefaultRoot = "/sys/class/infiniband"

const zeroGID = "0000:0000:0000:0000:0000:0000:0000:0000"

// PortInfo describes one physical port.
type PortInfo struct {
	Number    int       `json:"number" yaml:"number"`
	State     string    `json:"state" yaml:"state"`           // ACTIVE, DOWN
	PhysState string    `json:"phys_state" yaml:"phys_state"` // LinkUp, Disabled
	LinkLayer string    `json:"link_layer" yaml:"link_layer"` // InfiniBand, Ethernet
	Rate      uint64    `json:"rate" yaml:"rate"`             // Gb/s
	LID       uint16    `json:"lid" yaml:"lid"`
	GIDs      []GIDInfo `json:"gids" yaml:"gids"`
}

// GIDInfo is one populated GID table entry.
type GIDInfo struct {
	Index int    `json:"index" yaml:"index"`
	GID   string `json:"gid" yaml:"gid"`
	Type  string `json:"type" yaml:"type"` // "IB/RoCE v1", "RoCE v2"
}

// RDMAInfo contains information about a detected RDMA device.
type RDMAInfo struct {
	Name         string     `json:"name" yaml:"name"`
	DevicePath   string     `json:"device_path" yaml:"device_path"`
	NodeGUID     string     `json:"node_guid" yaml:"node_guid"`
	SysImageGUID string     `json:"sys_image_guid" yaml:"sys_image_guid"`
	BoardID      string     `json:"board_id" yaml:"board_id"`
	FirmwareVer  string     `json:"firmware_version" yaml:"firmware_version"`
	NodeType     string     `json:"node_type" yaml:"node_type"` // CA, Switch, Router
	Ports        []PortInfo `json:"ports" yaml:"ports"`
}

// Port returns port n.
func (r RDMAInfo) Port(n int) (PortInfo, bool) {
	for _, p := range r.Ports {
		if p.Number == n {
			return p, true
		}
	}

	return PortInfo{}, false
}

// RoCEv2GIDIndex returns the first RoCE v2 GID index of an Ethernet port,
// or -1.
func (p PortInfo) RoCEv2GIDIndex() int {
	if p.LinkLayer != "Ethernet" {
		return -1
	}

	for _, g := range p.GIDs {
		if strings.EqualFold(g.Type, "RoCE v2") {
			return g.Index
		}
	}

	return -1
}

// Detector scans a sysfs tree for RDMA devices.
type Detector struct {
	root string

	mu          sync.RWMutex
	devices     []RDMAInfo
	lastUpdated time.Time
}

// NewDetector returns a detector reading root, or DefaultRoot when empty.
func NewDetector(root string) *Detector {
	if root == "" {
		root = DefaultRoot
	}

	return &Detector{root: root}
}

// Refresh rescans the tree.
func (d *Detector) Refresh() []RDMAInfo {
	log.Debug().Str("root", d.root).Msg("Refreshing RDMA device detection")

	devices := d.detectRDMADevices()

	d.mu.Lock()
	d.devices = devices
	d.lastUpdated = time.Now()
	d.mu.Unlock()

	log.Info().Int("rdma_devices", len(devices)).Msg("RDMA device detection completed")

	return devices
}

// Devices returns the result of the last Refresh.
func (d *Detector) Devices() []RDMAInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return append([]RDMAInfo(nil), d.devices...)
}

// LastUpdated returns when Refresh last ran.
func (d *Detector) LastUpdated() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.lastUpdated
}

// HasRDMA returns true if the last Refresh found a device.
func (d *Detector) HasRDMA() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.devices) > 0
}

// Find returns the device called name from the last Refresh.
func (d *Detector) Find(name string) (RDMAInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, dev := range d.devices {
		if dev.Name == name {
			return dev, true
		}
	}

	return RDMAInfo{}, false
}

func (d *Detector) detectRDMADevices() []RDMAInfo {
	var devices []RDMAInfo

	entries, err := os.ReadDir(d.root)
	if err != nil {
		log.Debug().Err(err).Msg("No RDMA devices found in sysfs")

		return devices
	}

	for _, entry := range entries {
		devicePath := filepath.Join(d.root, entry.Name())
		device := RDMAInfo{
			Name:       entry.Name(),
			DevicePath: devicePath,
		}

		device.NodeGUID = readSysfsFile(filepath.Join(devicePath, "node_guid"))
		device.SysImageGUID = readSysfsFile(filepath.Join(devicePath, "sys_image_guid"))
		device.BoardID = readSysfsFile(filepath.Join(devicePath, "board_id"))
		device.FirmwareVer = readSysfsFile(filepath.Join(devicePath, "fw_ver"))
		device.NodeType = parseNodeType(readSysfsFile(filepath.Join(devicePath, "node_type")))
		device.Ports = detectPorts(filepath.Join(devicePath, "ports"))

		devices = append(devices, device)
	}

	return devices
}

func detectPorts(portsPath string) []PortInfo {
	entries, err := os.ReadDir(portsPath)
	if err != nil {
		return nil
	}

	var ports []PortInfo

	for _, entry := range entries {
		n, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		path := filepath.Join(portsPath, entry.Name())
		port := PortInfo{
			Number:    n,
			State:     parseState(readSysfsFile(filepath.Join(path, "state"))),
			PhysState: parseState(readSysfsFile(filepath.Join(path, "phys_state"))),
			LinkLayer: readSysfsFile(filepath.Join(path, "link_layer")),
			Rate:      parseSpeed(readSysfsFile(filepath.Join(path, "rate"))),
			LID:       parseLID(readSysfsFile(filepath.Join(path, "lid"))),
			GIDs:      detectGIDs(path),
		}

		ports = append(ports, port)
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].Number < ports[j].Number })

	return ports
}

// detectGIDs lists the populated entries of a port's GID table.
func detectGIDs(portPath string) []GIDInfo {
	entries, err := os.ReadDir(filepath.Join(portPath, "gids"))
	if err != nil {
		return nil
	}

	var gids []GIDInfo

	for _, entry := range entries {
		idx, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		gid := readSysfsFile(filepath.Join(portPath, "gids", entry.Name()))
		if gid == "" || gid == zeroGID {
			continue
		}

		gids = append(gids, GIDInfo{
			Index: idx,
			GID:   gid,
			Type:  readSysfsFile(filepath.Join(portPath, "gid_attrs", "types", entry.Name())),
		})
	}

	sort.Slice(gids, func(i, j int) bool { return gids[i].Index < gids[j].Index })

	return gids
}

// readSysfsFile reads a sysfs file and returns its content.
func readSysfsFile(path string) string {
	data, err := os.ReadFile(path) // #nosec G304 - paths are built from the sysfs root
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// parseNodeType converts "1: CA" style node types to their name.
func parseNodeType(nodeType string) string {
	num, _, _ := strings.Cut(strings.TrimSpace(nodeType), ":")

	switch strings.TrimSpace(num) {
	case "1":
		return "CA"
	case "2":
		return "Switch"
	case "3":
		return "Router"
	default:
		return "Unknown"
	}
}

// parseState strips the numeric prefix from "4: ACTIVE" style values.
func parseState(s string) string {
	if _, name, ok := strings.Cut(s, ":"); ok {
		return strings.TrimSpace(name)
	}

	return s
}

// parseSpeed parses "100 Gb/sec (4X EDR)" to Gb/s.
func parseSpeed(rate string) uint64 {
	parts := strings.Fields(rate)
	if len(parts) >= 1 {
		speed, _ := strconv.ParseUint(parts[0], 10, 64)

		return speed
	}

	return 0
}

func parseLID(s string) uint16 {
	lid, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	if err != nil {
		return 0
	}

	return uint16(lid)
}
