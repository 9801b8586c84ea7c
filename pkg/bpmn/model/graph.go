package model

// RootContainer identifies the top level of a process in Graph lookups.
const RootContainer = ""

// Graph is a read-only index over a Process. Node ids are unique across the
// whole model, including nested sub-processes.
type Graph struct {
	process    *Process
	order      []*Node
	nodes      map[string]*Node
	container  map[string]string
	flows      map[string]*Flow
	outgoing   map[string][]*Flow
	incoming   map[string][]*Flow
	boundaries map[string][]*Node
	starts     map[string]*Node
}

func NewGraph(p *Process) *Graph {
	g := &Graph{
		process:    p,
		nodes:      map[string]*Node{},
		container:  map[string]string{},
		flows:      map[string]*Flow{},
		outgoing:   map[string][]*Flow{},
		incoming:   map[string][]*Flow{},
		boundaries: map[string][]*Node{},
		starts:     map[string]*Node{},
	}
	g.index(RootContainer, p.Nodes, p.Flows)
	return g
}

func (g *Graph) index(container string, nodes []Node, flows []Flow) {
	for i := range nodes {
		n := &nodes[i]
		if _, dup := g.nodes[n.Id]; dup {
			continue
		}
		g.nodes[n.Id] = n
		g.order = append(g.order, n)
		g.container[n.Id] = container
		if n.Type == NodeTypeStartEvent {
			if _, ok := g.starts[container]; !ok {
				g.starts[container] = n
			}
		}
		if n.Type == NodeTypeBoundaryEvent && n.AttachedTo != "" {
			g.boundaries[n.AttachedTo] = append(g.boundaries[n.AttachedTo], n)
		}
	}
	for i := range flows {
		f := &flows[i]
		if _, dup := g.flows[f.Id]; dup {
			continue
		}
		g.flows[f.Id] = f
		g.outgoing[f.Source] = append(g.outgoing[f.Source], f)
		g.incoming[f.Target] = append(g.incoming[f.Target], f)
	}
	for i := range nodes {
		if nodes[i].Type == NodeTypeSubProcess {
			g.index(nodes[i].Id, nodes[i].Nodes, nodes[i].Flows)
		}
	}
}

func (g *Graph) Process() *Process {
	return g.process
}

func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every node in declaration order, outer containers first.
func (g *Graph) Nodes() []*Node {
	return g.order
}

func (g *Graph) Flow(id string) (*Flow, bool) {
	f, ok := g.flows[id]
	return f, ok
}

// Outgoing returns the flows leaving the node in declaration order.
func (g *Graph) Outgoing(nodeId string) []*Flow {
	return g.outgoing[nodeId]
}

func (g *Graph) Incoming(nodeId string) []*Flow {
	return g.incoming[nodeId]
}

// Container returns the id of the sub-process owning the node or RootContainer.
func (g *Graph) Container(nodeId string) string {
	return g.container[nodeId]
}

func (g *Graph) StartEvent(container string) (*Node, bool) {
	n, ok := g.starts[container]
	return n, ok
}

// Boundaries returns the boundary events attached to an activity.
func (g *Graph) Boundaries(activityId string) []*Node {
	return g.boundaries[activityId]
}
