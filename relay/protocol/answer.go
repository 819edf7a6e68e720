package protocol

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
)

var (
	ErrBadAnswer       = errors.New("answer must be an option index, an index array, or HANDLE_ON_MAC")
	ErrAnswerRange     = errors.New("answer index out of range")
	ErrEmptySelection  = errors.New("multi-select answer needs at least one index")
	ErrSingleSelection = errors.New("single-select question takes exactly one index")
)

// Answer is the watch's reply to a question. On the wire it is either a
// single zero-based option index, an array of indices for multi-select
// questions, or the HANDLE_ON_MAC string deferring to the terminal.
type Answer struct {
	Indices     []int
	HandleOnMac bool
}

// AnswerIndex builds a single-choice answer.
func AnswerIndex(i int) Answer { return Answer{Indices: []int{i}} }

// AnswerIndices builds a multi-select answer.
func AnswerIndices(idx ...int) Answer { return Answer{Indices: idx} }

// AnswerDefer builds the defer-to-terminal answer.
func AnswerDefer() Answer { return Answer{HandleOnMac: true} }

func (a Answer) MarshalJSON() ([]byte, error) {
	if a.HandleOnMac {
		return json.Marshal(AnswerHandleOnMac)
	}
	if len(a.Indices) == 1 {
		return json.Marshal(a.Indices[0])
	}
	return json.Marshal(a.Indices)
}

func (a *Answer) UnmarshalJSON(data []byte) error {
	var idx int
	if err := json.Unmarshal(data, &idx); err == nil {
		*a = Answer{Indices: []int{idx}}
		return nil
	}
	var many []int
	if err := json.Unmarshal(data, &many); err == nil {
		*a = Answer{Indices: many}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == AnswerHandleOnMac {
			*a = Answer{HandleOnMac: true}
			return nil
		}
		// Some clients send the index as a numeric string.
		if n, convErr := strconv.Atoi(s); convErr == nil {
			*a = Answer{Indices: []int{n}}
			return nil
		}
	}
	return ErrBadAnswer
}

// Validate checks the answer against the question it responds to.
func (a Answer) Validate(q *QuestionRequest) error {
	if a.HandleOnMac {
		return nil
	}
	if len(a.Indices) == 0 {
		return ErrEmptySelection
	}
	if !q.MultiSelect && len(a.Indices) != 1 {
		return ErrSingleSelection
	}
	for _, i := range a.Indices {
		if i < 0 || i >= len(q.Options) {
			return ErrAnswerRange
		}
	}
	return nil
}

// StringIndices renders the selected indices as decimal strings, sorted
// ascending, the shape the bridge hands back to the tool.
func (a Answer) StringIndices() []string {
	idx := make([]int, len(a.Indices))
	copy(idx, a.Indices)
	sort.Ints(idx)
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, strconv.Itoa(i))
	}
	return out
}

// Labels resolves the selected option labels in index order.
func (a Answer) Labels(q *QuestionRequest) []string {
	idx := make([]int, len(a.Indices))
	copy(idx, a.Indices)
	sort.Ints(idx)
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		if i >= 0 && i < len(q.Options) {
			out = append(out, q.Options[i].Label)
		}
	}
	return out
}
