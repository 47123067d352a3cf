package providers

import (
	"context"
	"fmt"

	"ciris/internal/clock"
	"ciris/internal/graph"
	"ciris/internal/logging"
	"ciris/internal/types"
)

// LocalWisdom is the built-in wise authority. It persists deferrals durably
// in the graph store for a human to resolve later and answers guidance
// requests from memorized insight nodes. It never auto-approves anything.
type LocalWisdom struct {
	base
	store        *graph.Store
	occurrenceID string
}

func NewLocalWisdom(store *graph.Store, occurrenceID string, clk clock.Clock) *LocalWisdom {
	return &LocalWisdom{
		base:         newBase("local_wisdom", clk),
		store:        store,
		occurrenceID: occurrenceID,
	}
}

func (w *LocalWisdom) Capabilities() []string {
	return []string{"guidance", "deferral"}
}

func (w *LocalWisdom) SubmitDeferral(_ context.Context, rec types.DeferralRecord) error {
	if rec.OccurrenceID == "" {
		rec.OccurrenceID = w.occurrenceID
	}
	logging.Audit("deferral %s queued for human review: %s", rec.DeferralID, rec.Reason)
	return w.track(w.store.SaveDeferral(rec))
}

// FetchGuidance surfaces the most recent memorized insights relevant to the
// question. The disclaimer marks it as machine-local: nothing here carries
// human authority.
func (w *LocalWisdom) FetchGuidance(_ context.Context, capability, question string) (types.WisdomAdvice, error) {
	insights, err := w.store.SearchNodes(w.occurrenceID, types.NodeFilter{
		Type:  types.NodeInsight,
		Limit: 3,
	})
	if err != nil {
		return types.WisdomAdvice{}, w.track(err)
	}

	guidance := "No recorded insight bears on this question. Defer to a human authority if the stakes are high."
	if len(insights) > 0 {
		guidance = fmt.Sprintf("%d recorded insights may apply; recall insight nodes before acting.", len(insights))
	}
	w.track(nil)
	return types.WisdomAdvice{
		Capability:   capability,
		ProviderType: "local",
		Confidence:   0.3,
		Disclaimer:   "Local heuristic guidance, not a human decision.",
		Guidance:     guidance,
	}, nil
}

// Resolve records a human decision on a pending deferral and returns the
// updated record. Deferral resolution arrives out of band, typically through
// the control API.
func (w *LocalWisdom) Resolve(deferralID string, resolution types.DeferralResolution) (types.DeferralRecord, error) {
	rec, err := w.store.ResolveDeferral(w.occurrenceID, deferralID, resolution)
	return rec, w.track(err)
}
