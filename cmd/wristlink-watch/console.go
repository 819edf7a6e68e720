package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/wristlink/wristlink/crypto/e2ee"
	"github.com/wristlink/wristlink/relay/protocol"
	"github.com/wristlink/wristlink/watchsync"
	"github.com/wristlink/wristlink/watchsync/activity"
)

// console executes the interactive commands against the sync engine. Command
// execution is separated from the readline loop so tests can drive it with
// plain strings.
type console struct {
	eng  *watchsync.Engine
	acts *activity.Store
	out  io.Writer

	key     [e2ee.SessionKeySize]byte
	haveKey bool
}

// exec runs one input line and reports whether the loop should quit.
func (c *console) exec(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "list", "l":
		c.cmdList()
	case "status", "s":
		c.cmdStatus()
	case "approve", "a":
		c.cmdVerdict(args, true)
	case "deny", "d", "reject":
		c.cmdVerdict(args, false)
	case "answer":
		c.cmdAnswer(args)
	case "defer":
		c.cmdDefer(args)
	case "auto":
		c.cmdAuto(args)
	case "activity":
		c.cmdActivity()
	case "sync":
		c.report(c.eng.RequestState())
	case "fg":
		c.report(c.eng.Foregrounded())
	case "bg":
		c.report(c.eng.Backgrounded())
	case "net":
		c.report(c.eng.NetworkAvailable())
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(c.out, "unknown command %q (help for commands)\n", cmd)
	}
	return false
}

func (c *console) printHelp() {
	fmt.Fprint(c.out, `commands:
  list              pending approvals and questions
  approve N         approve the Nth pending approval
  deny N            reject the Nth pending approval
  answer N i[,j]    answer the Nth question with option(s) i (1-based)
  defer N           send the Nth question back to the terminal
  auto on|off       switch auto-accept mode
  status            connection, mode, session, progress
  activity          recent activity feed (needs --activity-file)
  sync              request a fresh state sync
  fg / bg / net     foreground, background, network-change nudges
  quit              exit
`)
}

func (c *console) cmdList() {
	snap := c.eng.Snapshot()
	if len(snap.Approvals) == 0 && len(snap.Questions) == 0 {
		fmt.Fprintln(c.out, "nothing pending")
		return
	}
	for i, a := range snap.Approvals {
		fmt.Fprintf(c.out, "A%d) [%s] %s\n", i+1, a.Type, a.Title)
		if a.Command != "" && a.Command != a.Title {
			fmt.Fprintf(c.out, "      $ %s\n", a.Command)
		}
		if a.Description != "" {
			fmt.Fprintf(c.out, "      %s\n", a.Description)
		}
		c.printSealed(a.EncryptedPayload)
	}
	for i, q := range snap.Questions {
		fmt.Fprintf(c.out, "Q%d) %s\n", i+1, q.Question)
		for j, opt := range q.Options {
			marker := " "
			if opt.Label == q.RecommendedAnswer {
				marker = "*"
			}
			fmt.Fprintf(c.out, "    %s %d) %s\n", marker, j+1, opt.Label)
		}
		c.printSealed(q.EncryptedPayload)
	}
}

func (c *console) printSealed(wire string) {
	if !c.haveKey || wire == "" {
		return
	}
	plaintext, err := e2ee.Open(c.key, wire)
	if err != nil {
		fmt.Fprintf(c.out, "      sealed detail unreadable: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "      sealed: %s\n", plaintext)
}

func (c *console) cmdStatus() {
	snap := c.eng.Snapshot()
	fmt.Fprintf(c.out, "connection: %s", snap.Conn)
	if snap.Conn == watchsync.ConnReconnecting {
		fmt.Fprintf(c.out, " (attempt %d, next try in %s)", snap.Attempt, snap.NextRetryIn.Round(100*time.Millisecond))
	}
	fmt.Fprintln(c.out)
	if snap.LastError != "" {
		fmt.Fprintf(c.out, "last error: %s\n", snap.LastError)
	}
	fmt.Fprintf(c.out, "mode: %s, session active: %v\n", snap.Mode, snap.SessionActive)
	fmt.Fprintf(c.out, "pending: %d approvals, %d questions\n", len(snap.Approvals), len(snap.Questions))
	if p := snap.Progress; p != nil {
		fmt.Fprintf(c.out, "progress: %.0f%% (%d/%d) %s\n", p.Progress*100, p.CompletedCount, p.TotalCount, p.CurrentTask)
		if p.CurrentActivity != "" {
			fmt.Fprintf(c.out, "          %s\n", p.CurrentActivity)
		}
	}
}

func (c *console) cmdVerdict(args []string, approve bool) {
	snap := c.eng.Snapshot()
	idx, ok := c.pickIndex(args, len(snap.Approvals), "approval")
	if !ok {
		return
	}
	id := snap.Approvals[idx].ID
	if approve {
		c.report(c.eng.Approve(id))
	} else {
		c.report(c.eng.Reject(id))
	}
}

func (c *console) cmdAnswer(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.out, "usage: answer N i[,j]")
		return
	}
	snap := c.eng.Snapshot()
	idx, ok := c.pickIndex(args[:1], len(snap.Questions), "question")
	if !ok {
		return
	}
	q := snap.Questions[idx]

	choices, err := parseIndices(strings.Join(args[1:], ","), len(q.Options), q.MultiSelect)
	if err != nil {
		fmt.Fprintln(c.out, err)
		return
	}
	c.report(c.eng.Answer(q.QuestionID, choices...))
}

func (c *console) cmdDefer(args []string) {
	snap := c.eng.Snapshot()
	idx, ok := c.pickIndex(args, len(snap.Questions), "question")
	if !ok {
		return
	}
	c.report(c.eng.Defer(snap.Questions[idx].QuestionID))
}

func (c *console) cmdAuto(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "usage: auto on|off")
		return
	}
	switch strings.ToLower(args[0]) {
	case "on":
		c.report(c.eng.SetMode(protocol.ModeAutoAccept))
	case "off":
		c.report(c.eng.SetMode(protocol.ModeManual))
	default:
		fmt.Fprintln(c.out, "usage: auto on|off")
	}
}

func (c *console) cmdActivity() {
	if c.acts == nil {
		fmt.Fprintln(c.out, "activity feed disabled (start with --activity-file)")
		return
	}
	events := c.acts.Events()
	if len(events) == 0 {
		fmt.Fprintln(c.out, "no activity yet")
		return
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-18s %s", ev.At.Local().Format("15:04:05"), ev.Kind, ev.Title)
		if ev.Subtitle != "" {
			line += " · " + ev.Subtitle
		}
		fmt.Fprintln(c.out, line)
	}
}

// pickIndex parses a single 1-based index argument against a list length.
func (c *console) pickIndex(args []string, n int, what string) (int, bool) {
	if len(args) != 1 {
		fmt.Fprintf(c.out, "usage: <command> N (see list)\n")
		return 0, false
	}
	if n == 0 {
		fmt.Fprintf(c.out, "no pending %ss\n", what)
		return 0, false
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil || idx < 1 || idx > n {
		fmt.Fprintf(c.out, "%s index out of range 1..%d\n", what, n)
		return 0, false
	}
	return idx - 1, true
}

func (c *console) report(err error) {
	if err != nil {
		fmt.Fprintln(c.out, err)
		return
	}
	fmt.Fprintln(c.out, "ok")
}

// announce prints connection transitions and newly arrived requests while the
// user types. The writer is prompt-aware so lines land above the input.
func (c *console) announce(snaps <-chan watchsync.StateSnapshot) {
	var last watchsync.StateSnapshot
	first := true
	for snap := range snaps {
		if first || snap.Conn != last.Conn {
			fmt.Fprintf(c.out, "· connection: %s\n", snap.Conn)
		}
		if !first && snap.SessionActive != last.SessionActive {
			fmt.Fprintf(c.out, "· session active: %v\n", snap.SessionActive)
		}
		for _, a := range snap.Approvals {
			if !hasApproval(last.Approvals, a.ID) {
				fmt.Fprintf(c.out, "· approval waiting: %s\n", a.Title)
			}
		}
		for _, q := range snap.Questions {
			if !hasQuestion(last.Questions, q.QuestionID) {
				fmt.Fprintf(c.out, "· question waiting: %s\n", q.Question)
			}
		}
		last = snap
		first = false
	}
}

func hasApproval(list []protocol.ApprovalRequest, id string) bool {
	for _, a := range list {
		if a.ID == id {
			return true
		}
	}
	return false
}

func hasQuestion(list []protocol.QuestionRequest, id string) bool {
	for _, q := range list {
		if q.QuestionID == id {
			return true
		}
	}
	return false
}

// parseIndices turns 1-based user input like "1,3" into 0-based options.
func parseIndices(input string, optionCount int, multi bool) ([]int, error) {
	fields := strings.FieldsFunc(input, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) == 0 {
		return nil, fmt.Errorf("pick at least one option")
	}
	if !multi && len(fields) > 1 {
		return nil, fmt.Errorf("pick exactly one option")
	}
	seen := make(map[int]bool, len(fields))
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", f)
		}
		if n < 1 || n > optionCount {
			return nil, fmt.Errorf("option %d is out of range 1..%d", n, optionCount)
		}
		if seen[n-1] {
			continue
		}
		seen[n-1] = true
		out = append(out, n-1)
	}
	return out, nil
}
