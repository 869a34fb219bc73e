package poller

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/aetherlab/aether/internal"
)

type phase int

const (
	phaseRunning phase = iota
	phaseCompleted
	phaseFailed
)

// taskState is the family-neutral reading of one poll response.
type taskState struct {
	phase     phase
	progress  int
	urls      []string
	expiresAt *time.Time
	errCode   string
	errMsg    string
	raw       []byte
}

// parseTaskState maps an upstream job-status body onto the task lifecycle.
// Unknown statuses keep the task running; the poll budget bounds the damage
// of a provider that never converges.
func parseTaskState(family gateway.APIFamily, raw []byte) *taskState {
	r := gjson.ParseBytes(raw)
	state := &taskState{raw: raw}

	if family == gateway.FamilyGemini {
		return parseGeminiOperation(r, state)
	}

	status := strings.ToLower(r.Get("status").String())
	switch status {
	case "completed", "succeeded", "success":
		state.phase = phaseCompleted
	case "failed", "error", "cancelled", "canceled":
		state.phase = phaseFailed
		state.errCode = r.Get("error.code").String()
		state.errMsg = firstNonEmpty(
			r.Get("error.message").String(),
			r.Get("failure_reason").String(),
			"upstream reported failure")
	default:
		state.phase = phaseRunning
		state.progress = int(r.Get("progress").Int())
	}

	if state.phase == phaseCompleted {
		state.urls = collectURLs(r)
		if exp := r.Get("expires_at"); exp.Exists() {
			state.expiresAt = parseExpiry(exp)
		}
	}
	return state
}

// parseGeminiOperation reads long-running-operation shape: done + response
// or done + error.
func parseGeminiOperation(r gjson.Result, state *taskState) *taskState {
	if !r.Get("done").Bool() {
		state.phase = phaseRunning
		state.progress = int(r.Get("metadata.progressPercent").Int())
		return state
	}
	if e := r.Get("error"); e.Exists() {
		state.phase = phaseFailed
		state.errCode = e.Get("status").String()
		state.errMsg = firstNonEmpty(e.Get("message").String(), "operation failed")
		return state
	}
	state.phase = phaseCompleted
	r.Get("response.generateVideoResponse.generatedSamples").ForEach(func(_, s gjson.Result) bool {
		if uri := s.Get("video.uri").String(); uri != "" {
			state.urls = append(state.urls, uri)
		}
		return true
	})
	return state
}

// collectURLs gathers artifact URLs across the shapes providers use.
func collectURLs(r gjson.Result) []string {
	var urls []string
	add := func(v gjson.Result) {
		if s := v.String(); s != "" {
			urls = append(urls, s)
		}
	}
	add(r.Get("url"))
	add(r.Get("video_url"))
	for _, list := range []gjson.Result{r.Get("output"), r.Get("data"), r.Get("results")} {
		list.ForEach(func(_, item gjson.Result) bool {
			if item.Type == gjson.String {
				add(item)
				return true
			}
			add(item.Get("url"))
			return true
		})
	}
	return urls
}

// parseExpiry accepts unix seconds or RFC3339.
func parseExpiry(v gjson.Result) *time.Time {
	if v.Type == gjson.Number {
		t := time.Unix(v.Int(), 0).UTC()
		return &t
	}
	if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
		t = t.UTC()
		return &t
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
