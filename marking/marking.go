// Package marking represents case state as a token distribution over the
// conditions of a workflow net, plus a busy multiset tracking tasks whose
// instances are currently executing.
package marking

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// EmptyConditionError reports an attempt to consume a token from a
// condition that holds none.
type EmptyConditionError struct {
	ConditionID string
}

func (e *EmptyConditionError) Error() string {
	return fmt.Sprintf("no token in condition %q", e.ConditionID)
}

// Marking is a mutable case state: token counts per condition and the
// number of executing instances per task. Zero entries are pruned so two
// equal states always have identical maps.
type Marking struct {
	tokens map[string]int
	busy   map[string]int
}

// New returns an empty marking.
func New() *Marking {
	return &Marking{tokens: make(map[string]int), busy: make(map[string]int)}
}

// Initial returns the marking with a single token in the given start condition.
func Initial(startID string) *Marking {
	m := New()
	m.Add(startID, 1)
	return m
}

// Tokens returns the token count for a condition (0 if absent).
func (m *Marking) Tokens(conditionID string) int {
	return m.tokens[conditionID]
}

// Busy returns the number of executing instances of a task.
func (m *Marking) Busy(taskID string) int {
	return m.busy[taskID]
}

// Add puts n tokens into a condition.
func (m *Marking) Add(conditionID string, n int) {
	if n == 0 {
		return
	}
	m.tokens[conditionID] += n
	if m.tokens[conditionID] == 0 {
		delete(m.tokens, conditionID)
	}
}

// Remove consumes n tokens from a condition, failing if too few are present.
func (m *Marking) Remove(conditionID string, n int) error {
	if m.tokens[conditionID] < n {
		return &EmptyConditionError{ConditionID: conditionID}
	}
	m.tokens[conditionID] -= n
	if m.tokens[conditionID] == 0 {
		delete(m.tokens, conditionID)
	}
	return nil
}

// Clear removes all tokens from a condition and reports how many were held.
func (m *Marking) Clear(conditionID string) int {
	n := m.tokens[conditionID]
	delete(m.tokens, conditionID)
	return n
}

// AddBusy records n additional executing instances of a task.
func (m *Marking) AddBusy(taskID string, n int) {
	if n == 0 {
		return
	}
	m.busy[taskID] += n
	if m.busy[taskID] == 0 {
		delete(m.busy, taskID)
	}
}

// RemoveBusy records completion of n executing instances.
func (m *Marking) RemoveBusy(taskID string, n int) error {
	if m.busy[taskID] < n {
		return fmt.Errorf("task %q has %d executing instances, cannot remove %d",
			taskID, m.busy[taskID], n)
	}
	m.busy[taskID] -= n
	if m.busy[taskID] == 0 {
		delete(m.busy, taskID)
	}
	return nil
}

// ClearBusy removes all executing instances of a task and reports the count.
func (m *Marking) ClearBusy(taskID string) int {
	n := m.busy[taskID]
	delete(m.busy, taskID)
	return n
}

// Copy creates a deep copy of the marking.
func (m *Marking) Copy() *Marking {
	c := &Marking{
		tokens: make(map[string]int, len(m.tokens)),
		busy:   make(map[string]int, len(m.busy)),
	}
	for k, v := range m.tokens {
		c.tokens[k] = v
	}
	for k, v := range m.busy {
		c.busy[k] = v
	}
	return c
}

// Equals checks if two markings are identical, busy multisets included.
func (m *Marking) Equals(other *Marking) bool {
	if len(m.tokens) != len(other.tokens) || len(m.busy) != len(other.busy) {
		return false
	}
	for k, v := range m.tokens {
		if other.tokens[k] != v {
			return false
		}
	}
	for k, v := range m.busy {
		if other.busy[k] != v {
			return false
		}
	}
	return true
}

// Covers checks if m has at least as many tokens as other in every
// condition and at least as many executing instances of every task.
func (m *Marking) Covers(other *Marking) bool {
	for k, v := range other.tokens {
		if m.tokens[k] < v {
			return false
		}
	}
	for k, v := range other.busy {
		if m.busy[k] < v {
			return false
		}
	}
	return true
}

// Diff returns the per-condition token change from other to m. Conditions
// with equal counts are omitted, so an empty result means the token state
// is identical (executing instances are not compared).
func (m *Marking) Diff(other *Marking) map[string]int {
	delta := make(map[string]int)
	for k, v := range m.tokens {
		if d := v - other.tokens[k]; d != 0 {
			delta[k] = d
		}
	}
	for k, v := range other.tokens {
		if _, seen := m.tokens[k]; !seen && v != 0 {
			delta[k] = -v
		}
	}
	return delta
}

// Hash returns a deterministic hash of the marking.
func (m *Marking) Hash() string {
	h := sha256.New()
	buf := make([]byte, 8)
	for _, k := range m.MarkedConditions() {
		h.Write([]byte("c:" + k))
		binary.BigEndian.PutUint64(buf, uint64(m.tokens[k]))
		h.Write(buf)
	}
	for _, k := range m.BusyTasks() {
		h.Write([]byte("t:" + k))
		binary.BigEndian.PutUint64(buf, uint64(m.busy[k]))
		h.Write(buf)
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:16]
}

// MarkedConditions returns conditions holding tokens, in sorted order.
func (m *Marking) MarkedConditions() []string {
	keys := make([]string, 0, len(m.tokens))
	for k := range m.tokens {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BusyTasks returns tasks with executing instances, in sorted order.
func (m *Marking) BusyTasks() []string {
	keys := make([]string, 0, len(m.busy))
	for k := range m.busy {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Total returns the token count across all conditions, busy instances excluded.
func (m *Marking) Total() int {
	sum := 0
	for _, v := range m.tokens {
		sum += v
	}
	return sum
}

// IsEmpty returns true when no condition is marked and no task is busy.
func (m *Marking) IsEmpty() bool {
	return len(m.tokens) == 0 && len(m.busy) == 0
}

// String returns a human-readable representation.
func (m *Marking) String() string {
	var parts []string
	for _, k := range m.MarkedConditions() {
		parts = append(parts, fmt.Sprintf("%s:%d", k, m.tokens[k]))
	}
	for _, k := range m.BusyTasks() {
		parts = append(parts, fmt.Sprintf("busy(%s):%d", k, m.busy[k]))
	}
	if len(parts) == 0 {
		return "(empty)"
	}
	return strings.Join(parts, ", ")
}

// Snapshot returns plain maps of the marking for serialization.
func (m *Marking) Snapshot() (tokens, busy map[string]int) {
	tokens = make(map[string]int, len(m.tokens))
	for k, v := range m.tokens {
		tokens[k] = v
	}
	busy = make(map[string]int, len(m.busy))
	for k, v := range m.busy {
		busy[k] = v
	}
	return tokens, busy
}

// FromSnapshot reconstructs a marking from plain maps.
func FromSnapshot(tokens, busy map[string]int) *Marking {
	m := New()
	for k, v := range tokens {
		m.Add(k, v)
	}
	for k, v := range busy {
		m.AddBusy(k, v)
	}
	return m
}
