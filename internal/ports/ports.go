// Package ports hands out host ports to resources managers.
package ports

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"

	xerrors "ChainHost/internal/errors"
	"ChainHost/pkg/plugin"
)

// CodePortsExhausted is returned when the configured range has no free port.
const CodePortsExhausted xerrors.Code = "PORTS_EXHAUSTED"

func init() {
	xerrors.Register(CodePortsExhausted, xerrors.Attributes{
		Message:  "port range exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Exhausted builds the error returned when no port is left in [min, max].
func Exhausted(min, max int) error {
	return xerrors.New(CodePortsExhausted, fmt.Sprintf("no free port in range %d-%d", min, max))
}

// Held builds the error returned when a port cannot be reserved because it
// is already assigned.
func Held(port int, holder plugin.PortKey) error {
	return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("port %d is held by %s", port, holder))
}

// SameResource reports whether key belongs to the resource identified by
// scope, ignoring the port name.
func SameResource(key, scope plugin.PortKey) bool {
	return key.Plugin == scope.Plugin && key.ResourceType == scope.ResourceType && key.Resource == scope.Resource
}

// Memory is an in-process allocator over a fixed port range. Released ports
// are reused lowest first.
type Memory struct {
	mu       sync.Mutex
	min, max int
	next     int
	free     []int
	assigned map[plugin.PortKey]int
}

// NewMemory returns an allocator for the inclusive range [min, max].
func NewMemory(min, max int) (*Memory, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid port range %d-%d", min, max))
	}
	return &Memory{min: min, max: max, next: min, assigned: make(map[plugin.PortKey]int)}, nil
}

// Allocate implements plugin.PortAllocator.
func (m *Memory) Allocate(_ context.Context, key plugin.PortKey) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if port, ok := m.assigned[key]; ok {
		return port, nil
	}
	var port int
	switch {
	case len(m.free) > 0:
		port = m.free[0]
		m.free = m.free[1:]
	case m.next <= m.max:
		port = m.next
		m.next++
	default:
		return 0, Exhausted(m.min, m.max)
	}
	m.assigned[key] = port
	return port, nil
}

// Release implements plugin.PortAllocator.
func (m *Memory) Release(_ context.Context, key plugin.PortKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key.Name != "" {
		if port, ok := m.assigned[key]; ok {
			delete(m.assigned, key)
			m.giveBackLocked(port)
		}
	} else {
		for k, port := range m.assigned {
			if SameResource(k, key) {
				delete(m.assigned, k)
				m.giveBackLocked(port)
			}
		}
	}
	sort.Ints(m.free)
	return nil
}

// Reserve implements plugin.PortAllocator. Ports between the next unused
// port and the reserved one stay allocatable. Ports outside the range are
// recorded but never join the free list.
func (m *Memory) Reserve(_ context.Context, key plugin.PortKey, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.assigned[key]; ok {
		if held == port {
			return nil
		}
		return Held(held, key)
	}
	for k, held := range m.assigned {
		if held == port {
			return Held(port, k)
		}
	}
	if m.inRange(port) {
		if port >= m.next {
			for p := m.next; p < port; p++ {
				m.free = append(m.free, p)
			}
			m.next = port + 1
			sort.Ints(m.free)
		} else {
			m.free = slices.DeleteFunc(m.free, func(p int) bool { return p == port })
		}
	}
	m.assigned[key] = port
	return nil
}

func (m *Memory) inRange(port int) bool {
	return port >= m.min && port <= m.max
}

func (m *Memory) giveBackLocked(port int) {
	if m.inRange(port) {
		m.free = append(m.free, port)
	}
}

// Debug implements plugin.PortAllocator.
func (m *Memory) Debug() plugin.DescribeTable {
	m.mu.Lock()
	assigned := make(map[string]int, len(m.assigned))
	for k, port := range m.assigned {
		assigned[k.String()] = port
	}
	free := len(m.free) + m.max - m.next + 1
	m.mu.Unlock()

	return Describe(fmt.Sprintf("%d-%d", m.min, m.max), free, assigned)
}

// Describe renders allocator state in the shared debug layout.
func Describe(portRange string, free int, assigned map[string]int) plugin.DescribeTable {
	keys := make([]string, 0, len(assigned))
	for k := range assigned {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make(plugin.DescribeTable, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, plugin.DescribeRow{Key: k, Value: strconv.Itoa(assigned[k])})
	}
	return plugin.DescribeTable{
		{Key: "Range", Value: portRange},
		{Key: "Free", Value: strconv.Itoa(free)},
		{Key: "Assigned", Value: strconv.Itoa(len(keys)), Table: rows},
	}
}
