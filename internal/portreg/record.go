package portreg

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ai-debugger-inc/aidb/internal/lockfile"
)

// PortAllocation is the cross-process record of one allocated adapter port.
// Records are persisted as JSON lines in the shared record file so sibling
// aidb processes (parallel test runners in particular) see each other's
// allocations.
type PortAllocation struct {
	Port      int       `json:"port"`
	SessionID string    `json:"sessionId"`
	Language  string    `json:"language"`
	OwnerPID  int32     `json:"ownerPid"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PortRange is an inclusive range of candidate ports.
type PortRange struct {
	Start int
	End   int
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Len returns the number of ports in the range.
func (r PortRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// allocationMarshaller persists PortAllocation records as JSON lines.
type allocationMarshaller struct{}

// AllocationMarshaller returns the marshaller used for the shared port
// record file, for tools and tests that read the file directly.
func AllocationMarshaller() lockfile.RecordMarshaller[PortAllocation] {
	return allocationMarshaller{}
}

func (allocationMarshaller) Unmarshal(line []byte) (PortAllocation, error) {
	var a PortAllocation
	if err := json.Unmarshal(line, &a); err != nil {
		return PortAllocation{}, err
	}
	if a.Port <= 0 {
		return PortAllocation{}, fmt.Errorf("port allocation record has invalid port %d", a.Port)
	}
	return a, nil
}

func (allocationMarshaller) Marshal(record PortAllocation) []byte {
	// PortAllocation marshalling cannot fail: all fields are plain values.
	b, _ := json.Marshal(record)
	return b
}
