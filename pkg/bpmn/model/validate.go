package model

import (
	"fmt"
	"slices"

	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
	"github.com/senseyeio/duration"
)

type Issue = zenerr.Issue

type ValidationResult struct {
	Issues []Issue `json:"issues"`
}

// Valid reports whether no error-severity issue was found. Warnings do not
// block publishing.
func (r ValidationResult) Valid() bool {
	return len(r.Errors()) == 0
}

func (r ValidationResult) Errors() []Issue {
	var errs []Issue
	for _, i := range r.Issues {
		if i.Severity == zenerr.SeverityError {
			errs = append(errs, i)
		}
	}
	return errs
}

type validator struct {
	g      *Graph
	issues []Issue
}

func (v *validator) errorf(nodeId string, format string, a ...any) {
	v.issues = append(v.issues, Issue{Severity: zenerr.SeverityError, NodeId: nodeId, Message: fmt.Sprintf(format, a...)})
}

func (v *validator) warnf(nodeId string, format string, a ...any) {
	v.issues = append(v.issues, Issue{Severity: zenerr.SeverityWarning, NodeId: nodeId, Message: fmt.Sprintf(format, a...)})
}

// Validate performs the structural checks of a model. It never fails; every
// finding is reported as an issue.
func Validate(p *Process) ValidationResult {
	if p == nil {
		return ValidationResult{Issues: []Issue{{Severity: zenerr.SeverityError, Message: "process model is empty"}}}
	}
	v := &validator{g: NewGraph(p)}
	if p.Key == "" {
		v.errorf("", "process key is required")
	}
	v.checkIdentifiers(p)
	v.checkContainer(RootContainer, p.Nodes, p.Flows)
	return ValidationResult{Issues: v.issues}
}

func (v *validator) checkIdentifiers(p *Process) {
	nodeIds := map[string]int{}
	flowIds := map[string]int{}
	var walk func(nodes []Node, flows []Flow)
	walk = func(nodes []Node, flows []Flow) {
		for _, n := range nodes {
			nodeIds[n.Id]++
			if n.Type == NodeTypeSubProcess {
				walk(n.Nodes, n.Flows)
			}
		}
		for _, f := range flows {
			flowIds[f.Id]++
		}
	}
	walk(p.Nodes, p.Flows)
	for _, id := range sortedKeys(nodeIds) {
		if id == "" {
			v.errorf("", "node without id")
		} else if nodeIds[id] > 1 {
			v.errorf(id, "node id is declared %d times", nodeIds[id])
		}
	}
	for _, id := range sortedKeys(flowIds) {
		if id == "" {
			v.errorf("", "sequence flow without id")
		} else if flowIds[id] > 1 {
			v.errorf("", "sequence flow id %s is declared %d times", id, flowIds[id])
		}
	}
}

func (v *validator) checkContainer(container string, nodes []Node, flows []Flow) {
	for _, f := range flows {
		src, srcOk := v.g.Node(f.Source)
		tgt, tgtOk := v.g.Node(f.Target)
		if !srcOk {
			v.errorf(f.Source, "sequence flow %s references unknown source node %q", f.Id, f.Source)
		}
		if !tgtOk {
			v.errorf(f.Target, "sequence flow %s references unknown target node %q", f.Id, f.Target)
		}
		if srcOk && tgtOk && (v.g.Container(src.Id) != container || v.g.Container(tgt.Id) != container) {
			v.errorf(f.Source, "sequence flow %s crosses a sub-process boundary", f.Id)
		}
	}

	starts, ends := 0, 0
	for i := range nodes {
		n := &nodes[i]
		switch n.Type {
		case NodeTypeStartEvent:
			starts++
		case NodeTypeEndEvent:
			ends++
		}
		v.checkNode(n)
	}
	if starts == 0 {
		v.errorf(container, "container has no start event")
	}
	if starts > 1 {
		v.errorf(container, "container has %d start events, exactly one is supported", starts)
	}
	if ends == 0 {
		v.errorf(container, "container has no end event")
	}

	v.checkParallelBalance(container, nodes)
	v.checkReachability(container, nodes)

	for i := range nodes {
		if nodes[i].Type == NodeTypeSubProcess {
			v.checkContainer(nodes[i].Id, nodes[i].Nodes, nodes[i].Flows)
		}
	}
}

func (v *validator) checkNode(n *Node) {
	if !slices.Contains(NodeTypes, n.Type) {
		v.errorf(n.Id, "unsupported node type %q", n.Type)
		return
	}
	out := v.g.Outgoing(n.Id)
	in := v.g.Incoming(n.Id)

	switch n.Type {
	case NodeTypeStartEvent:
		if len(in) > 0 {
			v.errorf(n.Id, "start event must not have incoming flows")
		}
		v.exactlyOneOutgoing(n, out)
	case NodeTypeEndEvent:
		if len(out) > 0 {
			v.errorf(n.Id, "end event must not have outgoing flows")
		}
	case NodeTypeServiceTask:
		if n.TaskType == "" {
			v.errorf(n.Id, "service task requires a task type")
		}
		v.exactlyOneOutgoing(n, out)
	case NodeTypeScriptTask:
		if n.Script == "" {
			v.errorf(n.Id, "script task requires a script")
		}
		v.exactlyOneOutgoing(n, out)
	case NodeTypeBusinessRuleTask:
		if n.RuleSetKey == "" {
			v.errorf(n.Id, "business rule task requires a rule set key")
		}
		v.exactlyOneOutgoing(n, out)
	case NodeTypeDocumentTask:
		if n.TemplateId == "" {
			v.errorf(n.Id, "document task requires a template id")
		}
		v.exactlyOneOutgoing(n, out)
	case NodeTypeUserTask:
		if n.UserTask != nil && n.UserTask.DueIn != "" {
			v.checkDuration(n.Id, "due date", n.UserTask.DueIn)
		}
		v.exactlyOneOutgoing(n, out)
	case NodeTypeExclusiveGateway:
		if len(out) == 0 {
			v.errorf(n.Id, "exclusive gateway has no outgoing flows")
		}
		if n.DefaultFlow != "" && !slices.ContainsFunc(out, func(f *Flow) bool { return f.Id == n.DefaultFlow }) {
			v.errorf(n.Id, "default flow %s is not an outgoing flow of the gateway", n.DefaultFlow)
		}
		if len(out) > 1 {
			for _, f := range out {
				if f.Id != n.DefaultFlow && f.Condition == "" {
					v.warnf(n.Id, "outgoing flow %s has no condition and is not the default flow", f.Id)
				}
			}
		}
	case NodeTypeParallelGateway:
		if len(out) == 0 {
			v.errorf(n.Id, "parallel gateway has no outgoing flows")
		}
		for _, f := range out {
			if f.Condition != "" {
				v.warnf(n.Id, "condition on flow %s leaving a parallel gateway is ignored", f.Id)
			}
		}
		if len(in) > 1 && len(out) > 1 {
			v.warnf(n.Id, "parallel gateway both joins and forks")
		}
	case NodeTypeIntermediateCatchEvent:
		v.checkEvent(n)
		v.exactlyOneOutgoing(n, out)
	case NodeTypeBoundaryEvent:
		v.checkEvent(n)
		if len(in) > 0 {
			v.errorf(n.Id, "boundary event must not have incoming flows")
		}
		attached, ok := v.g.Node(n.AttachedTo)
		switch {
		case n.AttachedTo == "" || !ok:
			v.errorf(n.Id, "boundary event is attached to unknown activity %q", n.AttachedTo)
		case !attached.Type.IsActivity():
			v.errorf(n.Id, "boundary event is attached to %s which is not an activity", attached.Id)
		case v.g.Container(attached.Id) != v.g.Container(n.Id):
			v.errorf(n.Id, "boundary event and activity %s belong to different containers", attached.Id)
		}
		v.exactlyOneOutgoing(n, out)
	case NodeTypeSubProcess:
		v.exactlyOneOutgoing(n, out)
	default:
		panic(fmt.Sprintf("[invariant check] unsupported node type in validation: %s", n.Type))
	}

	if n.Retry != nil {
		if !n.Type.IsTask() {
			v.warnf(n.Id, "retry policy is only honoured on tasks")
		}
		if n.Retry.MaxAttempts < 1 {
			v.errorf(n.Id, "retry policy requires maxAttempts >= 1")
		}
		if n.Retry.InitialInterval != "" {
			v.checkDuration(n.Id, "retry initial interval", n.Retry.InitialInterval)
		}
		if n.Retry.MaxInterval != "" {
			v.checkDuration(n.Id, "retry max interval", n.Retry.MaxInterval)
		}
	}
}

func (v *validator) exactlyOneOutgoing(n *Node, out []*Flow) {
	switch {
	case len(out) == 0:
		v.errorf(n.Id, "%s has no outgoing flow", n.Type)
	case len(out) > 1:
		v.errorf(n.Id, "%s has %d outgoing flows, use a gateway to branch", n.Type, len(out))
	}
}

func (v *validator) checkEvent(n *Node) {
	if n.Event == nil {
		v.errorf(n.Id, "%s requires an event definition", n.Type)
		return
	}
	switch n.Event.Kind {
	case EventKindSignal, EventKindMessage:
		if n.Event.Name == "" {
			v.errorf(n.Id, "%s event requires a name", n.Event.Kind)
		}
	case EventKindTimer:
		v.checkDuration(n.Id, "timer duration", n.Event.Duration)
	default:
		v.errorf(n.Id, "unsupported event kind %q", n.Event.Kind)
	}
}

func (v *validator) checkDuration(nodeId, what, value string) {
	if _, err := duration.ParseISO8601(value); err != nil {
		v.errorf(nodeId, "%s %q is not an ISO 8601 duration", what, value)
	}
}

// checkParallelBalance compares the branches opened by parallel forks with the
// branches closed by parallel joins of a container.
func (v *validator) checkParallelBalance(container string, nodes []Node) {
	opened, closed := 0, 0
	for _, n := range nodes {
		if n.Type != NodeTypeParallelGateway {
			continue
		}
		if out := len(v.g.Outgoing(n.Id)); out > 1 {
			opened += out - 1
		}
		if in := len(v.g.Incoming(n.Id)); in > 1 {
			closed += in - 1
		}
	}
	if opened != closed {
		v.warnf(container, "parallel gateways are unbalanced: forks open %d branches, joins close %d", opened, closed)
	}
}

func (v *validator) checkReachability(container string, nodes []Node) {
	start, ok := v.g.StartEvent(container)
	if !ok {
		return
	}
	successors := func(id string) []string {
		var next []string
		for _, f := range v.g.Outgoing(id) {
			next = append(next, f.Target)
		}
		for _, b := range v.g.Boundaries(id) {
			next = append(next, b.Id)
		}
		return next
	}
	reached := walk([]string{start.Id}, successors)

	var ends []string
	for _, n := range nodes {
		if n.Type == NodeTypeEndEvent {
			ends = append(ends, n.Id)
		}
	}
	predecessors := func(id string) []string {
		var prev []string
		for _, f := range v.g.Incoming(id) {
			prev = append(prev, f.Source)
		}
		if n, ok := v.g.Node(id); ok && n.Type == NodeTypeBoundaryEvent {
			prev = append(prev, n.AttachedTo)
		}
		return prev
	}
	finishing := walk(ends, predecessors)

	for _, n := range nodes {
		if !reached[n.Id] {
			v.errorf(n.Id, "node is not reachable from the start event")
		}
		if !finishing[n.Id] && n.Type != NodeTypeEndEvent {
			v.errorf(n.Id, "no path from node reaches an end event")
		}
	}
}

func walk(from []string, next func(string) []string) map[string]bool {
	seen := map[string]bool{}
	queue := append([]string(nil), from...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, next(id)...)
	}
	return seen
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
