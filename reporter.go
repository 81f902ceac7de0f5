package predicate

import (
	"fmt"
	"strings"

	"github.com/Delta456/box-cli-maker/v2"
	"github.com/alexeyco/simpletable"
)

// Severity classifies a reported issue.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Issue is a single non-fatal diagnostic attributed to a node.
type Issue struct {
	Node     *Node
	Severity Severity
	Message  string
}

// Reporter collects non-fatal diagnostics produced during a transform
// pass. It holds no graph-mutating authority; whether any accumulated
// error severity should abort configuration loading is the caller's
// policy.
type Reporter struct {
	issues []Issue
}

// NewReporter returns an empty reporter.
func NewReporter() *Reporter {
	return &Reporter{}
}

// Error records an error-severity issue against a node.
func (r *Reporter) Error(n *Node, format string, args ...any) {
	r.issues = append(r.issues, Issue{Node: n, Severity: SeverityError, Message: fmt.Sprintf(format, args...)})
}

// Warn records a warning-severity issue against a node.
func (r *Reporter) Warn(n *Node, format string, args ...any) {
	r.issues = append(r.issues, Issue{Node: n, Severity: SeverityWarning, Message: fmt.Sprintf(format, args...)})
}

// Issues returns the accumulated diagnostics in the order reported.
func (r *Reporter) Issues() []Issue {
	return r.issues
}

// ErrorCount returns the number of error-severity issues.
func (r *Reporter) ErrorCount() int {
	c := 0
	for _, i := range r.issues {
		if i.Severity == SeverityError {
			c++
		}
	}
	return c
}

// NodeReporter scopes a Reporter to a single node so that diagnostics
// raised inside a transform capability are attributable.
type NodeReporter struct {
	r    *Reporter
	node *Node
}

// ForNode returns a reporter scoped to n.
func (r *Reporter) ForNode(n *Node) *NodeReporter {
	return &NodeReporter{r: r, node: n}
}

// Error records an error against the scoped node.
func (nr *NodeReporter) Error(format string, args ...any) {
	nr.r.Error(nr.node, format, args...)
}

// Warn records a warning against the scoped node.
func (nr *NodeReporter) Warn(format string, args ...any) {
	nr.r.Warn(nr.node, format, args...)
}

// Node returns the node the reporter is scoped to.
func (nr *NodeReporter) Node() *Node {
	return nr.node
}

// AsString renders the accumulated diagnostics as a boxed report.
func (r *Reporter) AsString() string {
	Box := box.New(box.Config{Px: 2, Py: 1, Type: "Double", Color: "Cyan", TitlePos: "Top", ContentAlign: "Left"})

	s := strings.Builder{}
	if len(r.issues) == 0 {
		s.WriteString("No issues reported.\n")
	} else {
		s.WriteString(r.issueTable().String())
	}
	return Box.String("PREDICATE TRANSFORM REPORT", s.String())
}

func (r *Reporter) issueTable() *simpletable.Table {
	table := simpletable.New()
	table.Header = &simpletable.Header{
		Cells: []*simpletable.Cell{
			{Align: simpletable.AlignCenter, Text: "Severity"},
			{Align: simpletable.AlignCenter, Text: "Node"},
			{Align: simpletable.AlignCenter, Text: "Message"},
		},
	}

	for _, i := range r.issues {
		node := ""
		if i.Node != nil {
			node = i.Node.String()
		}
		row := []*simpletable.Cell{
			{Text: i.Severity.String()},
			{Text: node},
			{Text: i.Message},
		}
		table.Body.Cells = append(table.Body.Cells, row)
	}

	table.SetStyle(simpletable.StyleUnicode)
	return table
}
