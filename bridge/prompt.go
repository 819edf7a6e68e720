package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/wristlink/wristlink/relay/protocol"
)

// TerminalPrompter asks on the local terminal with readline. Prompts and
// menus go to stderr; stdout stays reserved for the tool's forwarded
// output. One prompt runs at a time.
type TerminalPrompter struct {
	mu  sync.Mutex
	out io.Writer
}

var _ Prompter = (*TerminalPrompter)(nil)

// NewTerminalPrompter builds a prompter writing to stderr.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{out: os.Stderr}
}

// Approve asks a yes/no question. Interrupt and empty input deny.
func (p *TerminalPrompter) Approve(ctx context.Context, req protocol.ApprovalRequest) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Command != "" && req.Command != req.Title {
		fmt.Fprintf(p.out, "  $ %s\n", req.Command)
	}
	if req.Description != "" {
		fmt.Fprintf(p.out, "  %s\n", req.Description)
	}
	line, err := p.readLine(ctx, fmt.Sprintf("%s? [y/N] ", req.Title))
	if err != nil {
		if errors.Is(err, readline.ErrInterrupt) {
			return false, nil
		}
		return false, err
	}
	return parseYes(line), nil
}

// Choose prints the options and reads 1-based indices, comma or space
// separated. Empty input picks the recommended answer when one matches an
// option label.
func (p *TerminalPrompter) Choose(ctx context.Context, req protocol.QuestionRequest) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Header != "" {
		fmt.Fprintf(p.out, "%s\n", req.Header)
	}
	fmt.Fprintf(p.out, "%s\n", req.Question)
	for i, opt := range req.Options {
		marker := " "
		if opt.Label == req.RecommendedAnswer {
			marker = "*"
		}
		fmt.Fprintf(p.out, " %s %d) %s\n", marker, i+1, opt.Label)
	}
	prompt := "answer (e.g. 1): "
	if req.MultiSelect {
		prompt = "answer (e.g. 1,3): "
	}
	for {
		line, err := p.readLine(ctx, prompt)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(line) == "" {
			if i := recommendedIndex(req); i >= 0 {
				return []int{i}, nil
			}
			continue
		}
		indices, err := parseChoices(line, len(req.Options), req.MultiSelect)
		if err != nil {
			fmt.Fprintf(p.out, "%v\n", err)
			continue
		}
		return indices, nil
	}
}

func (p *TerminalPrompter) readLine(ctx context.Context, prompt string) (string, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		Stdout:          os.Stderr,
		InterruptPrompt: "^C",
	})
	if err != nil {
		return "", err
	}
	defer rl.Close()

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := rl.Readline()
		ch <- result{line, err}
	}()
	select {
	case <-ctx.Done():
		rl.Close()
		<-ch
		return "", ctx.Err()
	case r := <-ch:
		return r.line, r.err
	}
}

func parseYes(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// parseChoices turns 1-based terminal input into 0-based option indices.
func parseChoices(line string, optionCount int, multi bool) ([]int, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil, errors.New("pick at least one option")
	}
	if !multi && len(fields) > 1 {
		return nil, errors.New("pick exactly one option")
	}
	seen := make(map[int]bool, len(fields))
	indices := make([]int, 0, len(fields))
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
		indices = append(indices, n-1)
	}
	return indices, nil
}

func recommendedIndex(req protocol.QuestionRequest) int {
	for i, opt := range req.Options {
		if req.RecommendedAnswer != "" && opt.Label == req.RecommendedAnswer {
			return i
		}
	}
	return -1
}
