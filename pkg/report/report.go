// Package report renders command results for operators as aligned text
// tables, JSON or YAML. Machine formats share the struct tags of the
// rendered types.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/shardctl/pkg/chaos"
	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/health"
	"github.com/cuemby/shardctl/pkg/orchestrator"
	"github.com/cuemby/shardctl/pkg/storage"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
	"gopkg.in/yaml.v3"
)

// Format is an output format
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates an --output value
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatText, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
}

// Renderer writes results in one format
type Renderer struct {
	format Format
	out    io.Writer
}

// New creates a renderer writing to out
func New(format Format, out io.Writer) *Renderer {
	if format == "" {
		format = FormatText
	}
	return &Renderer{format: format, out: out}
}

// Format returns the renderer's format
func (r *Renderer) Format() Format {
	return r.format
}

// encode writes v as JSON or YAML. It reports false in text mode.
func (r *Renderer) encode(v interface{}) (bool, error) {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	}
	return false, nil
}

func (r *Renderer) table() *tabwriter.Writer {
	return tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
}

// StatusView is the combined topology and health view
type StatusView struct {
	Topology topology.Summary `json:"topology" yaml:"topology"`
	Health   *health.Report   `json:"health,omitempty" yaml:"health,omitempty"`
}

// Status renders the cluster summary, its node table and health issues
func (r *Renderer) Status(sum topology.Summary, rep *health.Report) error {
	if ok, err := r.encode(StatusView{Topology: sum, Health: rep}); ok {
		return err
	}

	state := "unknown"
	if rep != nil {
		state = string(rep.State)
	}
	fmt.Fprintf(r.out, "Cluster: %s\n", state)
	fmt.Fprintf(r.out, "  Observed:   %s\n", formatTime(sum.ObservedAt))
	fmt.Fprintf(r.out, "  Slots OK:   %d/%d\n", sum.SlotsOK, types.TotalSlots)
	fmt.Fprintf(r.out, "  Consistent: %s\n", yesNo(sum.Consistent))
	if !sum.Gaps.Empty() {
		fmt.Fprintf(r.out, "  Unassigned: %d slots (%s)\n", sum.Gaps.Len(), sum.Gaps)
	}
	fmt.Fprintln(r.out)

	if err := r.nodeTable(sum.Nodes, sum.Unreachable); err != nil {
		return err
	}
	if rep != nil {
		r.issues(rep)
	}
	return nil
}

// Nodes renders the node table
func (r *Renderer) Nodes(sum topology.Summary) error {
	if ok, err := r.encode(sum.Nodes); ok {
		return err
	}
	return r.nodeTable(sum.Nodes, sum.Unreachable)
}

func (r *Renderer) nodeTable(nodes []types.NodeRecord, unreachable []types.NodeID) error {
	down := make(map[types.NodeID]bool, len(unreachable))
	for _, id := range unreachable {
		down[id] = true
	}

	w := r.table()
	fmt.Fprintln(w, "ID\tENDPOINT\tROLE\tMASTER\tSLOTS\tEPOCH\tFLAGS")
	for _, n := range nodes {
		master := "-"
		if n.ReplicaOf != "" {
			master = n.ReplicaOf.Short()
		}
		flags := make([]string, 0, len(n.Flags)+1)
		for _, f := range n.Flags {
			if f != types.FlagMyself {
				flags = append(flags, string(f))
			}
		}
		if down[n.ID] {
			flags = append(flags, "unreachable")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			n.ID.Short(), n.Endpoint.Addr(), n.Role, master, n.Slots.Len(), n.ConfigEpoch, dash(strings.Join(flags, ",")))
	}
	return w.Flush()
}

// SlotOwner is one contiguous range and its owner
type SlotOwner struct {
	Range types.SlotRange `json:"range" yaml:"range"`
	Owner types.NodeID    `json:"owner,omitempty" yaml:"owner,omitempty"`
}

// SlotMap is the slot layout of a snapshot
type SlotMap struct {
	Ranges       []SlotOwner             `json:"ranges" yaml:"ranges"`
	Transitional []topology.Transitional `json:"transitional,omitempty" yaml:"transitional,omitempty"`
	Conflicts    []topology.Conflict     `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
}

// NewSlotMap lists the ranges owned by every master and the gaps in slot
// order
func NewSlotMap(sum topology.Summary) SlotMap {
	var ranges []SlotOwner
	for _, n := range sum.Nodes {
		if !n.IsMaster() {
			continue
		}
		for _, rg := range n.Slots.Ranges() {
			ranges = append(ranges, SlotOwner{Range: rg, Owner: n.ID})
		}
	}
	for _, rg := range sum.Gaps.Ranges() {
		ranges = append(ranges, SlotOwner{Range: rg})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Range.Start < ranges[j].Range.Start })
	return SlotMap{
		Ranges:       ranges,
		Transitional: sum.Transitional,
		Conflicts:    sum.Conflicts,
	}
}

// Slots renders slot ownership by range
func (r *Renderer) Slots(sum topology.Summary) error {
	m := NewSlotMap(sum)
	if ok, err := r.encode(m); ok {
		return err
	}

	w := r.table()
	fmt.Fprintln(w, "RANGE\tCOUNT\tOWNER")
	for _, so := range m.Ranges {
		owner := "(unassigned)"
		if so.Owner != "" {
			owner = so.Owner.Short()
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", so.Range, so.Range.Len(), owner)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	r.transitional(m.Transitional)
	r.conflicts(m.Conflicts)
	return nil
}

func (r *Renderer) transitional(open []topology.Transitional) {
	if len(open) == 0 {
		return
	}
	fmt.Fprintln(r.out, "\nOpen slots:")
	for _, t := range open {
		arrow := "->"
		if t.State == types.SlotImporting {
			arrow = "<-"
		}
		fmt.Fprintf(r.out, "  %d: %s %s %s (%s)\n", t.Slot, t.NodeID.Short(), arrow, t.Peer.Short(), t.State)
	}
}

func (r *Renderer) conflicts(conflicts []topology.Conflict) {
	if len(conflicts) == 0 {
		return
	}
	fmt.Fprintln(r.out, "\nOwnership conflicts:")
	for _, c := range conflicts {
		winner := "unresolved"
		if c.Resolved {
			winner = "resolved to " + c.Winner.Short()
		}
		claims := make([]string, len(c.Claims))
		for i, cl := range c.Claims {
			claims[i] = cl.Viewer.Short() + "=" + dash(cl.Owner.Short())
		}
		fmt.Fprintf(r.out, "  %s: %s [%s]\n", c.Slots, winner, strings.Join(claims, " "))
	}
}

// Health renders a health report
func (r *Renderer) Health(rep health.Report) error {
	if ok, err := r.encode(rep); ok {
		return err
	}
	fmt.Fprintf(r.out, "Health: %s (slots ok %d/%d, consistent %s)\n",
		rep.State, rep.SlotsOK, types.TotalSlots, yesNo(rep.Consistent))
	r.issues(&rep)
	return nil
}

func (r *Renderer) issues(rep *health.Report) {
	all := rep.All()
	if len(all) == 0 {
		return
	}
	fmt.Fprintln(r.out, "\nIssues:")
	for _, is := range all {
		fmt.Fprintf(r.out, "  %s\n", is)
	}
}

// Check renders the result of the check command
func (r *Renderer) Check(c health.CheckResult) error {
	if ok, err := r.encode(c); ok {
		return err
	}
	fmt.Fprintf(r.out, "Health: %s\n", c.Report.State)
	if !c.Gaps.Empty() {
		fmt.Fprintf(r.out, "Unassigned slots: %d (%s)\n", c.Gaps.Len(), c.Gaps)
	}
	if len(c.Unreachable) > 0 {
		ids := make([]string, len(c.Unreachable))
		for i, id := range c.Unreachable {
			ids[i] = id.Short()
		}
		fmt.Fprintf(r.out, "Unreachable: %s\n", strings.Join(ids, ", "))
	}
	r.transitional(c.OpenSlots)
	r.conflicts(c.Conflicts)
	r.issues(&c.Report)
	if c.NeedsFix() {
		fmt.Fprintln(r.out, "\nRun 'fix' to complete or roll back the slots listed above.")
	} else {
		fmt.Fprintln(r.out, "\nNothing to fix.")
	}
	return nil
}

// Plan renders an executed operation plan
func (r *Renderer) Plan(p *orchestrator.Plan) error {
	if ok, err := r.encode(p); ok {
		return err
	}
	fmt.Fprintf(r.out, "Operation %s %s: %s\n", p.Kind, p.ID, p.Status)
	for _, k := range sortedKeys(p.Parameters) {
		fmt.Fprintf(r.out, "  %s: %s\n", k, p.Parameters[k])
	}
	if !p.FinishedAt.IsZero() {
		fmt.Fprintf(r.out, "  duration: %s\n", p.FinishedAt.Sub(p.StartedAt).Round(time.Millisecond))
	}
	if len(p.Steps) == 0 {
		return nil
	}
	fmt.Fprintln(r.out)

	w := r.table()
	fmt.Fprintln(w, "STEP\tSTATUS\tDURATION\tERROR")
	for _, s := range p.Steps {
		d := "-"
		if !s.StartedAt.IsZero() && !s.FinishedAt.IsZero() {
			d = s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Status, d, dash(s.Error))
	}
	return w.Flush()
}

// Chaos renders a scenario result
func (r *Renderer) Chaos(res *chaos.Result) error {
	if ok, err := r.encode(res); ok {
		return err
	}
	verdict := "PASSED"
	if !res.Passed {
		verdict = "FAILED"
	}
	fmt.Fprintf(r.out, "Scenario %s: %s\n", res.Scenario, verdict)
	fmt.Fprintf(r.out, "  Run:    %s\n", res.RunID)
	if res.Target != "" {
		fmt.Fprintf(r.out, "  Target: %s\n", res.Target)
	}
	fmt.Fprintf(r.out, "  Keys:   %d\n", res.KeysSeeded)
	fmt.Fprintf(r.out, "  Took:   %s\n\n", res.Duration.Round(time.Millisecond))

	w := r.table()
	fmt.Fprintln(w, "PHASE\tSTATUS\tDURATION\tERROR")
	for _, pr := range res.Phases {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", pr.Phase, pr.Status, pr.Duration.Round(time.Millisecond), dash(pr.Error))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(res.Failures) > 0 {
		fmt.Fprintln(r.out, "\nFailed assertions:")
		for _, f := range res.Failures {
			fmt.Fprintf(r.out, "  %s\n", f)
		}
	}
	return nil
}

// Backups renders backup records
func (r *Renderer) Backups(records []*storage.BackupRecord) error {
	if records == nil {
		records = []*storage.BackupRecord{}
	}
	if ok, err := r.encode(records); ok {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(r.out, "No backups recorded.")
		return nil
	}

	w := r.table()
	fmt.Fprintln(w, "NODE\tENDPOINT\tSTARTED\tLAST SAVE\tRESULT")
	for _, b := range records {
		result := "ok"
		if !b.OK {
			result = "failed: " + b.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			b.NodeID.Short(), b.Endpoint.Addr(), formatTime(b.StartedAt), formatTime(b.LastSave), result)
	}
	return w.Flush()
}

// FailureView is the machine-readable form of a failed command
type FailureView struct {
	Error        string                  `json:"error" yaml:"error"`
	Kind         errdefs.Kind            `json:"kind" yaml:"kind"`
	Step         string                  `json:"step,omitempty" yaml:"step,omitempty"`
	Remediation  string                  `json:"remediation" yaml:"remediation"`
	ExitCode     int                     `json:"exit_code" yaml:"exit_code"`
	Partial      *PartialFailure         `json:"partial,omitempty" yaml:"partial,omitempty"`
	LastSnapshot *storage.SnapshotRecord `json:"last_snapshot,omitempty" yaml:"last_snapshot,omitempty"`
}

// PartialFailure lists slot progress of an interrupted migration
type PartialFailure struct {
	Completed []int `json:"completed" yaml:"completed"`
	Pending   []int `json:"pending" yaml:"pending"`
	Aborted   []int `json:"aborted" yaml:"aborted"`
}

// NewFailure describes err together with the last known topology
func NewFailure(err error, last *storage.SnapshotRecord) FailureView {
	f := FailureView{
		Error:        err.Error(),
		Kind:         errdefs.KindOf(err),
		Step:         errdefs.StepOf(err),
		Remediation:  errdefs.RemediationOf(err),
		ExitCode:     errdefs.ExitCode(err),
		LastSnapshot: last,
	}
	var pf *errdefs.PartialFailureError
	if errors.As(err, &pf) {
		f.Partial = &PartialFailure{Completed: pf.Completed, Pending: pf.Pending, Aborted: pf.Aborted}
	}
	return f
}

// Failure renders a failed command: the failed step, the remediation and
// the last persisted snapshot when one exists
func (r *Renderer) Failure(err error, last *storage.SnapshotRecord) error {
	f := NewFailure(err, last)
	if ok, encErr := r.encode(f); ok {
		return encErr
	}

	fmt.Fprintf(r.out, "Error: %s\n", f.Error)
	fmt.Fprintf(r.out, "  Kind:        %s\n", f.Kind)
	if f.Step != "" {
		fmt.Fprintf(r.out, "  Failed step: %s\n", f.Step)
	}
	if f.Partial != nil {
		fmt.Fprintf(r.out, "  Slots:       %d completed, %d pending, %d aborted\n",
			len(f.Partial.Completed), len(f.Partial.Pending), len(f.Partial.Aborted))
		if len(f.Partial.Pending) > 0 {
			fmt.Fprintf(r.out, "  Pending:     %s\n", types.NewSlotSet(f.Partial.Pending...))
		}
	}
	fmt.Fprintf(r.out, "  Remediation: %s\n", f.Remediation)

	if last != nil {
		fmt.Fprintf(r.out, "\nLast known topology (%s, saved %s):\n", last.Environment, formatTime(last.SavedAt))
		if err := r.nodeTable(last.Topology.Nodes, last.Topology.Unreachable); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
