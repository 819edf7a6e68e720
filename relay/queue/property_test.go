package queue

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/wristlink/wristlink/relay/kv"
	"github.com/wristlink/wristlink/relay/protocol"
)

func newPropQueue() (*Service, func()) {
	store := kv.NewMemory(kv.MemoryConfig{JanitorInterval: 0})
	svc, err := New(Config{Store: store})
	if err != nil {
		panic(err)
	}
	return svc, func() { store.Close() }
}

func TestEnqueueIdempotencyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated enqueues of one id keep exactly one entry", prop.ForAll(
		func(id string, repeats int) bool {
			svc, done := newPropQueue()
			defer done()
			ctx := context.Background()
			pid := uuid.NewString()

			for i := 0; i < repeats; i++ {
				if _, _, err := svc.EnqueueApproval(ctx, pid, approval(id, "title")); err != nil {
					return false
				}
			}
			pending, err := svc.PendingApprovals(ctx, pid)
			if err != nil {
				return false
			}
			return len(pending) == 1 && pending[0].ID == id
		},
		gen.Identifier(),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestExactlyOnceResolutionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("the first verdict wins and later verdicts change nothing", prop.ForAll(
		func(verdicts []bool) bool {
			svc, done := newPropQueue()
			defer done()
			ctx := context.Background()
			pid := uuid.NewString()

			if _, _, err := svc.EnqueueApproval(ctx, pid, approval("r1", "title")); err != nil {
				return false
			}
			for _, v := range verdicts {
				if err := svc.RespondApproval(ctx, pid, "r1", v); err != nil {
					return false
				}
			}
			st, err := svc.ApprovalStatus(ctx, pid, "r1")
			if err != nil {
				return false
			}
			want := protocol.StatusRejected
			if verdicts[0] {
				want = protocol.StatusApproved
			}
			return st.Status == want
		},
		gen.SliceOf(gen.Bool()).SuchThat(func(v []bool) bool { return len(v) > 0 }),
	))

	properties.TestingRun(t)
}
