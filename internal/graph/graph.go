package graph

import (
	"fmt"
	"sort"
	"strings"

	"steward/internal/domain"
)

// Node and edge types projected from the event log.
const (
	NodeTarget   = "Target"
	NodeAttempt  = "Attempt"
	NodeArtifact = "Artifact"
	NodePR       = "PR"

	EdgeTargets  = "TARGETS"
	EdgeExecuted = "EXECUTED"
	EdgeProduced = "PRODUCED"
	EdgeCreated  = "CREATED"
)

// ControlPlaneID is the from-node of TARGETS edges.
const ControlPlaneID = "steward"

// Node is a projected entity. Identity is derived purely from event payload
// fields, so replaying the same sequence always yields the same node set.
type Node struct {
	Type       string         `json:"node_type"`
	ID         string         `json:"node_id"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Edge is a projected relationship. Edges are never removed; corrections
// arrive as new events.
type Edge struct {
	Type       string         `json:"edge_type"`
	From       string         `json:"from_node"`
	To         string         `json:"to_node"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Warning records a projection integrity problem: an event referenced a
// prerequisite node that never got its creating event. The projection
// continues in degraded form; the log cannot be retroactively fixed.
type Warning struct {
	Seq     int64  `json:"seq"`
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

// State holds the projected graph. It is a derived cache: always
// reconstructible by replay from empty state.
type State struct {
	Nodes map[string]*Node `json:"nodes"`
	Edges map[string]*Edge `json:"edges"`
}

func NewState() *State {
	return &State{
		Nodes: map[string]*Node{},
		Edges: map[string]*Edge{},
	}
}

func NodeKey(nodeType, id string) string { return nodeType + "/" + id }

func edgeKey(edgeType, from, to string) string {
	return strings.Join([]string{edgeType, from, to}, "|")
}

func (s *State) Node(nodeType, id string) (*Node, bool) {
	n, ok := s.Nodes[NodeKey(nodeType, id)]
	return n, ok
}

func (s *State) putNode(nodeType, id string, props map[string]any) *Node {
	key := NodeKey(nodeType, id)
	n, ok := s.Nodes[key]
	if !ok {
		n = &Node{Type: nodeType, ID: id, Properties: map[string]any{}}
		s.Nodes[key] = n
	}
	for k, v := range props {
		n.Properties[k] = v
	}
	return n
}

// ensureNode returns the node, creating it in implicit/degraded form with a
// warning when its creating event was never seen.
func (s *State) ensureNode(nodeType, id string, e domain.Event) (*Node, *Warning) {
	if n, ok := s.Node(nodeType, id); ok {
		return n, nil
	}
	n := s.putNode(nodeType, id, map[string]any{"implicit": true})
	return n, &Warning{
		Seq:     e.Seq,
		EventID: e.EventID,
		Reason:  fmt.Sprintf("%s references %s %s before its creating event", e.Type, nodeType, id),
	}
}

func (s *State) putEdge(edgeType, from, to string, props map[string]any) {
	key := edgeKey(edgeType, from, to)
	if _, ok := s.Edges[key]; ok {
		return
	}
	s.Edges[key] = &Edge{Type: edgeType, From: from, To: to, Properties: props}
}

// applyFunc computes the node/edge mutations one event type implies.
type applyFunc func(*State, domain.Event) []Warning

// handlers maps event types to their projection. Unknown types are accepted
// and ignored; they stay in the event store for future projections.
var handlers = map[string]applyFunc{
	"target.registered": applyTargetRegistered,
	"attempt.created":   applyAttemptCreated,
	"attempt.succeeded": applyAttemptTerminal,
	"attempt.failed":    applyAttemptTerminal,
	"artifact.created":  applyArtifactCreated,
	"pr.opened":         applyPROpened,
	"pr.merged":         applyPRState,
	"pr.closed":         applyPRState,
}

// Apply folds one event into the state and returns any integrity warnings.
// It never fails: the projection pipeline must survive every event.
func Apply(s *State, e domain.Event) []Warning {
	h, ok := handlers[e.Type]
	if !ok {
		return nil
	}
	return h(s, e)
}

func applyTargetRegistered(s *State, e domain.Event) []Warning {
	id := e.PayloadString("target_id")
	if id == "" {
		id = e.Target
	}
	n := s.putNode(NodeTarget, id, map[string]any{
		"repo_url":     e.PayloadString("repo_url"),
		"backlog_path": e.PayloadString("backlog_path"),
	})
	delete(n.Properties, "implicit")
	s.putEdge(EdgeTargets, ControlPlaneID, NodeKey(NodeTarget, id), nil)
	return nil
}

func applyAttemptCreated(s *State, e domain.Event) []Warning {
	attemptID := e.PayloadString("attempt_id")
	if attemptID == "" {
		return []Warning{{Seq: e.Seq, EventID: e.EventID, Reason: "attempt.created missing attempt_id"}}
	}
	var warns []Warning
	target, w := s.ensureNode(NodeTarget, e.Target, e)
	if w != nil {
		warns = append(warns, *w)
	}
	n := s.putNode(NodeAttempt, attemptID, map[string]any{
		"task_id":        e.PayloadString("task_id"),
		"attempt_number": e.PayloadInt("attempt_number"),
		"status":         "running",
	})
	delete(n.Properties, "implicit")
	s.putEdge(EdgeExecuted, NodeKey(NodeTarget, target.ID), NodeKey(NodeAttempt, attemptID), nil)
	return warns
}

func applyAttemptTerminal(s *State, e domain.Event) []Warning {
	attemptID := e.PayloadString("attempt_id")
	if attemptID == "" {
		return []Warning{{Seq: e.Seq, EventID: e.EventID, Reason: e.Type + " missing attempt_id"}}
	}
	n, w := s.ensureNode(NodeAttempt, attemptID, e)
	status := "succeeded"
	if e.Type == "attempt.failed" {
		status = "failed"
		if r := e.PayloadString("reason"); r != "" {
			n.Properties["failure_reason"] = r
		}
	}
	n.Properties["status"] = status
	n.Properties["finished_at"] = e.TS
	if w != nil {
		return []Warning{*w}
	}
	return nil
}

func applyArtifactCreated(s *State, e domain.Event) []Warning {
	sha := e.PayloadString("sha256")
	if sha == "" {
		return []Warning{{Seq: e.Seq, EventID: e.EventID, Reason: "artifact.created missing sha256"}}
	}
	n := s.putNode(NodeArtifact, sha, map[string]any{
		"artifact_name": e.PayloadString("artifact_name"),
	})
	delete(n.Properties, "implicit")
	var warns []Warning
	if attemptID := e.PayloadString("attempt_id"); attemptID != "" {
		attempt, w := s.ensureNode(NodeAttempt, attemptID, e)
		if w != nil {
			warns = append(warns, *w)
		}
		s.putEdge(EdgeProduced, NodeKey(NodeAttempt, attempt.ID), NodeKey(NodeArtifact, sha), nil)
	}
	return warns
}

func applyPROpened(s *State, e domain.Event) []Warning {
	prID := e.PayloadString("pr_id")
	if prID == "" {
		return []Warning{{Seq: e.Seq, EventID: e.EventID, Reason: "pr.opened missing pr_id"}}
	}
	n := s.putNode(NodePR, prID, map[string]any{
		"task_id": e.PayloadString("task_id"),
		"target":  e.Target,
		"url":     e.PayloadString("url"),
		"state":   "open",
	})
	delete(n.Properties, "implicit")
	var warns []Warning
	if attemptID := e.PayloadString("attempt_id"); attemptID != "" {
		attempt, w := s.ensureNode(NodeAttempt, attemptID, e)
		if w != nil {
			warns = append(warns, *w)
		}
		s.putEdge(EdgeCreated, NodeKey(NodeAttempt, attempt.ID), NodeKey(NodePR, prID), nil)
	}
	return warns
}

func applyPRState(s *State, e domain.Event) []Warning {
	prID := e.PayloadString("pr_id")
	if prID == "" {
		return []Warning{{Seq: e.Seq, EventID: e.EventID, Reason: e.Type + " missing pr_id"}}
	}
	n, w := s.ensureNode(NodePR, prID, e)
	if n.Properties["target"] == nil {
		n.Properties["target"] = e.Target
	}
	state := "merged"
	if e.Type == "pr.closed" {
		state = "closed"
	}
	n.Properties["state"] = state
	if w != nil {
		return []Warning{*w}
	}
	return nil
}

// --- read helpers over projected state ---

// OpenPRs returns open, steward-authored proposals for a target.
func (s *State) OpenPRs(target string) []domain.Proposal {
	var res []domain.Proposal
	for _, n := range s.Nodes {
		if n.Type != NodePR {
			continue
		}
		if n.Properties["state"] != "open" {
			continue
		}
		tgt, _ := n.Properties["target"].(string)
		if target != "" && tgt != target {
			continue
		}
		taskID, _ := n.Properties["task_id"].(string)
		url, _ := n.Properties["url"].(string)
		res = append(res, domain.Proposal{Target: tgt, TaskID: taskID, URL: url})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].TaskID < res[j].TaskID })
	return res
}

// AttemptCounts returns the number of attempts per task for a target,
// derived from EXECUTED edges.
func (s *State) AttemptCounts(target string) map[string]int {
	counts := map[string]int{}
	for _, e := range s.Edges {
		if e.Type != EdgeExecuted || e.From != NodeKey(NodeTarget, target) {
			continue
		}
		n, ok := s.Nodes[e.To]
		if !ok {
			continue
		}
		if taskID, _ := n.Properties["task_id"].(string); taskID != "" {
			counts[taskID]++
		}
	}
	return counts
}

// Attempts returns the attempt nodes recorded for a task.
func (s *State) Attempts(target, taskID string) []*Node {
	var res []*Node
	for _, e := range s.Edges {
		if e.Type != EdgeExecuted || e.From != NodeKey(NodeTarget, target) {
			continue
		}
		n, ok := s.Nodes[e.To]
		if !ok {
			continue
		}
		if tid, _ := n.Properties["task_id"].(string); tid == taskID {
			res = append(res, n)
		}
	}
	return res
}

// RunningAttempt reports whether the task has an attempt with no terminal
// event yet.
func (s *State) RunningAttempt(target, taskID string) bool {
	for _, e := range s.Edges {
		if e.Type != EdgeExecuted || e.From != NodeKey(NodeTarget, target) {
			continue
		}
		n, ok := s.Nodes[e.To]
		if !ok {
			continue
		}
		if tid, _ := n.Properties["task_id"].(string); tid != taskID {
			continue
		}
		if n.Properties["status"] == "running" {
			return true
		}
	}
	return false
}

// NextAttemptNumber returns the monotonic attempt number to assign next.
func (s *State) NextAttemptNumber(target, taskID string) int {
	max := 0
	for _, e := range s.Edges {
		if e.Type != EdgeExecuted || e.From != NodeKey(NodeTarget, target) {
			continue
		}
		n, ok := s.Nodes[e.To]
		if !ok {
			continue
		}
		if tid, _ := n.Properties["task_id"].(string); tid != taskID {
			continue
		}
		num := 0
		switch v := n.Properties["attempt_number"].(type) {
		case int:
			num = v
		case float64:
			num = int(v)
		}
		if num > max {
			max = num
		}
	}
	return max + 1
}

// Summary aggregates node and edge counts by type.
type Summary struct {
	Nodes    map[string]int `json:"nodes"`
	Edges    map[string]int `json:"edges"`
	Targets  []string       `json:"targets"`
	Warnings int            `json:"warnings"`
}

func (s *State) Summarize() Summary {
	sum := Summary{Nodes: map[string]int{}, Edges: map[string]int{}}
	for _, n := range s.Nodes {
		sum.Nodes[n.Type]++
		if n.Type == NodeTarget {
			sum.Targets = append(sum.Targets, n.ID)
		}
	}
	for _, e := range s.Edges {
		sum.Edges[e.Type]++
	}
	sort.Strings(sum.Targets)
	return sum
}
