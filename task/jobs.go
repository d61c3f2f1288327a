package task

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/mail"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/opsforge/taskd/errors"
)

// Nominal simulated durations of the reference jobs, in seconds.
const (
	computeSumDuration     = 30
	generateReportDuration = 25
	luckyJobDuration       = 20
	batchEmailDuration     = 15

	// simulatedTick is the progress/cancellation checkpoint period.
	simulatedTick = time.Second
)

// randFloat is swappable in tests to pin the unstable jobs' outcomes.
var randFloat = rand.Float64

// BodyFunc is the real work of a job, invoked by the simulated-duration
// wrapper after the timing phase ends.
type BodyFunc func(ctx context.Context, params map[string]any) (any, error)

// WithSimulatedDuration wraps a job body in a fixed-duration processing
// phase that publishes progress based on time remaining (100% -> 0%) and
// honors cooperative cancellation at every tick.
//
// The wrapper signals cancellation with errors.ErrCancelled; the worker
// classifies it into the cancelled terminal state.
func WithSimulatedDuration(total, tick time.Duration, clk clock.Clock, body BodyFunc) Executor {
	return func(ctx context.Context, rec *Record, params map[string]any) (any, error) {
		totalSeconds := int(total / time.Second)
		if totalSeconds < 1 {
			totalSeconds = 1
		}

		rec.beginSimulated(totalSeconds, clk.Now())

		for {
			elapsed := int(clk.Since(rec.startedMono()) / time.Second)
			remaining := totalSeconds - elapsed
			if remaining < 0 {
				remaining = 0
			}
			percentCompleted := elapsed * 100 / totalSeconds
			if percentCompleted > 100 {
				percentCompleted = 100
			}
			percentRemaining := 100 - percentCompleted
			if percentRemaining < 0 {
				percentRemaining = 0
			}

			if rec.CancelRequested() {
				rec.markCancelledDuringProcessing(percentCompleted, clk.Now())
				return nil, errors.ErrCancelled
			}

			rec.updateSimProgress(percentCompleted, percentRemaining, remaining, clk.Now())

			if remaining <= 0 {
				break
			}

			timer := clk.NewTimer(tick)
			select {
			case <-ctx.Done():
				timer.Stop()
				rec.markCancelledDuringProcessing(percentCompleted, clk.Now())
				return nil, errors.ErrCancelled
			case <-timer.C():
			}
		}

		return body(ctx, params)
	}
}

// DefaultRegistry registers the reference jobs. Nominal durations are
// clamped into [minTime, maxTime].
func DefaultRegistry(clk clock.Clock, minTime, maxTime time.Duration) *Registry {
	r := NewRegistry()

	clamp := func(seconds int) time.Duration {
		d := time.Duration(seconds) * time.Second
		if d < minTime {
			d = minTime
		}
		if maxTime > 0 && d > maxTime {
			d = maxTime
		}
		return d
	}

	r.Register(&Definition{
		Name:     "compute_sum",
		Validate: validateComputeSumParams,
		Run:      WithSimulatedDuration(clamp(computeSumDuration), simulatedTick, clk, computeSum),
	})
	r.Register(&Definition{
		Name:     "generate_report",
		Validate: validateGenerateReportParams,
		Run:      WithSimulatedDuration(clamp(generateReportDuration), simulatedTick, clk, generateReport),
	})
	r.Register(&Definition{
		Name:     "batch_email",
		Validate: validateBatchEmailParams,
		Run:      WithSimulatedDuration(clamp(batchEmailDuration), simulatedTick, clk, batchEmail),
	})
	r.Register(&Definition{
		Name:     "lucky_job",
		Validate: validateLuckyJobParams,
		Run:      WithSimulatedDuration(clamp(luckyJobDuration), simulatedTick, clk, luckyJob),
	})
	return r
}

// ---- job bodies ----

func computeSum(ctx context.Context, params map[string]any) (any, error) {
	numbers, ok := params["numbers"].([]float64)
	if !ok {
		return nil, &FailedError{Reason: "Invalid 'numbers' parameter; expected list of numbers."}
	}
	var sum float64
	for _, n := range numbers {
		sum += n
	}
	return sum, nil
}

func generateReport(ctx context.Context, params map[string]any) (any, error) {
	title, _ := params["title"].(string)
	sections, _ := params["sections"].([]string)
	return fmt.Sprintf("%s: %s", title, strings.Join(sections, ", ")), nil
}

func batchEmail(ctx context.Context, params map[string]any) (any, error) {
	// Simulate sending emails with a possible transient provider failure
	if randFloat() < 0.2 {
		return nil, &FailedError{Reason: "Email provider temporary failure."}
	}
	return true, nil
}

func luckyJob(ctx context.Context, params map[string]any) (any, error) {
	if randFloat() < 0.5 {
		return nil, &FailedError{Reason: "Unstable task failed randomly."}
	}
	return map[string]any{"ok": true}, nil
}

// ---- parameter schemas ----
// All schemas reject unknown fields and report per-field diagnostics.

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &ValidationError{Fields: map[string]string{
			"parameters": "expected a JSON object",
		}}
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func rejectUnknown(m map[string]any, allowed ...string) map[string]string {
	fields := make(map[string]string)
	for key := range m {
		known := false
		for _, a := range allowed {
			if key == a {
				known = true
				break
			}
		}
		if !known {
			fields[key] = "unknown field"
		}
	}
	return fields
}

func validateComputeSumParams(raw json.RawMessage) (map[string]any, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	fields := rejectUnknown(m, "numbers")

	numbers, present := m["numbers"]
	if !present {
		fields["numbers"] = "field required"
	} else if list, ok := numbers.([]any); !ok {
		fields["numbers"] = "expected a list of numbers"
	} else if len(list) < 1 {
		fields["numbers"] = "list must contain at least 1 item"
	} else {
		parsed := make([]float64, 0, len(list))
		for i, v := range list {
			n, ok := v.(float64)
			if !ok {
				fields["numbers"] = fmt.Sprintf("item %d is not a number", i)
				break
			}
			parsed = append(parsed, n)
		}
		if len(fields) == 0 {
			return map[string]any{"numbers": parsed}, nil
		}
	}
	return nil, &ValidationError{Fields: fields}
}

func validateGenerateReportParams(raw json.RawMessage) (map[string]any, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	fields := rejectUnknown(m, "title", "sections")

	title, present := m["title"]
	titleStr, isStr := title.(string)
	switch {
	case !present:
		fields["title"] = "field required"
	case !isStr:
		fields["title"] = "expected a string"
	case len(titleStr) < 1:
		fields["title"] = "string must not be empty"
	}

	sections := []string{"overview", "details", "summary"}
	if rawSections, present := m["sections"]; present {
		list, ok := rawSections.([]any)
		if !ok {
			fields["sections"] = "expected a list of strings"
		} else {
			parsed := make([]string, 0, len(list))
			for i, v := range list {
				s, ok := v.(string)
				if !ok {
					fields["sections"] = fmt.Sprintf("item %d is not a string", i)
					break
				}
				parsed = append(parsed, s)
			}
			if _, bad := fields["sections"]; !bad {
				sections = parsed
			}
		}
	}

	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	return map[string]any{"title": titleStr, "sections": sections}, nil
}

func validateBatchEmailParams(raw json.RawMessage) (map[string]any, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	fields := rejectUnknown(m, "emails")

	emails, present := m["emails"]
	if !present {
		fields["emails"] = "field required"
	} else if list, ok := emails.([]any); !ok {
		fields["emails"] = "expected a list of email addresses"
	} else if len(list) < 1 || len(list) > 100 {
		fields["emails"] = "list must contain between 1 and 100 items"
	} else {
		parsed := make([]string, 0, len(list))
		for i, v := range list {
			s, ok := v.(string)
			if !ok {
				fields["emails"] = fmt.Sprintf("item %d is not a string", i)
				break
			}
			if _, err := mail.ParseAddress(s); err != nil {
				fields["emails"] = fmt.Sprintf("item %d is not a valid email address", i)
				break
			}
			parsed = append(parsed, s)
		}
		if len(fields) == 0 {
			return map[string]any{"emails": parsed}, nil
		}
	}
	return nil, &ValidationError{Fields: fields}
}

func validateLuckyJobParams(raw json.RawMessage) (map[string]any, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	if fields := rejectUnknown(m); len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	return map[string]any{}, nil
}
