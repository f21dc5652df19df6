// Package mock provides a scriptable stt.Transcriber for tests.
package mock

import (
	"context"
	"sync"

	"github.com/parlancehq/parlance/pkg/provider/stt"
)

var _ stt.Transcriber = (*Transcriber)(nil)

// Call records the arguments of one Transcribe invocation.
type Call struct {
	WAV      []byte
	Language string
}

// Transcriber returns scripted results in order, repeating the last one when
// the script is exhausted.
type Transcriber struct {
	mu sync.Mutex

	// Results is the script. Empty means every call returns a zero Result.
	Results []stt.Result

	// Err, if non-nil, is returned from every Transcribe call.
	Err error

	// Calls records every invocation in order.
	Calls []Call

	cursor int
}

// Transcribe records the call and returns the next scripted result.
func (t *Transcriber) Transcribe(_ context.Context, wav []byte, language string) (stt.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Calls = append(t.Calls, Call{WAV: append([]byte(nil), wav...), Language: language})
	if t.Err != nil {
		return stt.Result{}, t.Err
	}
	if len(t.Results) == 0 {
		return stt.Result{}, nil
	}
	res := t.Results[t.cursor]
	if t.cursor < len(t.Results)-1 {
		t.cursor++
	}
	return res, nil
}
